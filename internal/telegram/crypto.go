package telegram

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/kstaniek/go-wmbus-server/internal/frame"
)

// tplFillerByte both marks the start of TPL mode-5 plaintext (doubled) and
// pads the trailing encrypted block.
const tplFillerByte = 0x2F

// Decrypt turns the encrypted application payload into plaintext in place,
// verifying the post-decrypt sanity marker for the telegram's security mode.
// It is a no-op for unprotected telegrams.
func (t *Telegram) Decrypt(key []byte) error {
	if t.Decrypted {
		return nil
	}
	switch t.Mode {
	case SecurityELLAESCTR:
		return t.decryptELL(key)
	case SecurityTPLAESCBC:
		return t.decryptTPL(key)
	}
	t.Decrypted = true
	return nil
}

// decryptELL handles the extended link layer AES-CTR session. The initial
// counter block is M(2) A(4) VER TYPE CC SN(4) FN(2)=0 BC(1)=0; the first
// two plaintext bytes carry the EN 13757 CRC of the remaining plaintext.
func (t *Telegram) decryptELL(key []byte) error {
	if len(key) != 16 {
		return ErrKeyRequired
	}
	if len(t.Payload) < 3 {
		return fmt.Errorf("%w: ell payload %d bytes", ErrShortTelegram, len(t.Payload))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("telegram: aes: %w", err)
	}
	var iv [16]byte
	copy(iv[0:2], t.Raw[2:4])
	copy(iv[2:6], t.AddressBytes[:])
	iv[6] = t.Version
	iv[7] = t.Type
	iv[8] = t.ELLCC
	binary.LittleEndian.PutUint32(iv[9:13], t.ELLSN)
	// iv[13:16] = frame number and block counter, zero for the first frame

	plain := make([]byte, len(t.Payload))
	cipher.NewCTR(block, iv[:]).XORKeyStream(plain, t.Payload)

	want := binary.LittleEndian.Uint16(plain[0:2])
	if frame.CRC16EN13757(plain[2:]) != want {
		return ErrIntegrity
	}
	t.Payload = plain[2:]
	t.PayloadOffset += 2
	t.Decrypted = true
	return nil
}

// decryptTPL handles TPL security mode 5 (AES-CBC with IV). The IV is the
// link identity plus the access number replicated to 16 bytes; decrypted
// data must open with the doubled filler byte 2F 2F.
func (t *Telegram) decryptTPL(key []byte) error {
	if len(key) != 16 {
		return ErrKeyRequired
	}
	n := len(t.Payload) &^ 15
	if n == 0 {
		return fmt.Errorf("%w: %d bytes", ErrCiphertextLength, len(t.Payload))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("telegram: aes: %w", err)
	}
	var iv [16]byte
	binary.LittleEndian.PutUint16(iv[0:2], t.tplMfct)
	copy(iv[2:6], t.tplAddr[:])
	iv[6] = t.tplVer
	iv[7] = t.tplType
	for i := 8; i < 16; i++ {
		iv[i] = t.TPLACC
	}

	plain := make([]byte, len(t.Payload))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(plain[:n], t.Payload[:n])
	copy(plain[n:], t.Payload[n:]) // trailing short remainder stays clear

	if plain[0] != tplFillerByte || plain[1] != tplFillerByte {
		return ErrIntegrity
	}
	t.Payload = plain
	t.Decrypted = true
	return nil
}

// EncryptTPL is the inverse of decryptTPL for simulator scripts and tests:
// it pads data with the filler byte to a block boundary, prefixes the
// doubled plaintext marker and encrypts under the same IV derivation.
func (t *Telegram) EncryptTPL(key, data []byte) ([]byte, error) {
	if len(key) != 16 {
		return nil, ErrKeyRequired
	}
	plain := append([]byte{tplFillerByte, tplFillerByte}, data...)
	for len(plain)%16 != 0 {
		plain = append(plain, tplFillerByte)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("telegram: aes: %w", err)
	}
	var iv [16]byte
	binary.LittleEndian.PutUint16(iv[0:2], t.tplMfct)
	copy(iv[2:6], t.tplAddr[:])
	iv[6] = t.tplVer
	iv[7] = t.tplType
	for i := 8; i < 16; i++ {
		iv[i] = t.TPLACC
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, plain)
	return out, nil
}
