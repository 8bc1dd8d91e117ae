package telegram

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// CI-field values handled by the header parser.
const (
	CIELLEncrypted = 0x8D // extended link layer, AES-CTR session
	CITPLLong      = 0x72 // application layer with long TPL header
	CITPLShort     = 0x7A // application layer with short TPL header
	CIFullNoHeader = 0x78 // application layer, records immediately
)

// SecurityMode is the expected protection of the application payload.
type SecurityMode int

const (
	SecurityNone SecurityMode = iota
	SecurityELLAESCTR
	SecurityTPLAESCBC
)

func (m SecurityMode) String() string {
	switch m {
	case SecurityELLAESCTR:
		return "ell-aes-ctr"
	case SecurityTPLAESCBC:
		return "tpl-aes-cbc"
	}
	return "none"
}

var (
	ErrShortTelegram    = errors.New("telegram: too short")
	ErrShortHeader      = errors.New("telegram: truncated header")
	ErrKeyRequired      = errors.New("telegram: encrypted but no key configured")
	ErrIntegrity        = errors.New("telegram: integrity check failed")
	ErrCiphertextLength = errors.New("telegram: ciphertext not block aligned")
)

// Explanation is one annotated slice of the raw frame, for human/debug
// output only. Offset always points inside the original frame.
type Explanation struct {
	Offset int
	Hex    string
	Note   string
}

// Telegram is one framed message from a meter. Immutable after decode
// except for explanation annotations added by drivers.
type Telegram struct {
	Raw []byte // frame as received, CRCs stripped

	// DLL header
	LField       byte
	CField       byte
	Manufacturer uint16
	AddressBytes [4]byte // wire order (little-endian BCD id)
	ID           string  // printable id, e.g. "67452301"
	Version      byte
	Type         byte

	CI byte

	// ELL header (CI 8D)
	HasELL bool
	ELLCC  byte
	ELLACC byte
	ELLSN  uint32

	// TPL header (CI 72/7A)
	HasTPL    bool
	TPLACC    byte
	TPLStatus byte
	TPLConfig uint16
	// Long-header identity; mirrors the DLL fields for the short header.
	tplAddr [4]byte
	tplMfct uint16
	tplVer  byte
	tplType byte

	// MfctSpecific marks a proprietary CI whose payload carries no
	// DIF/VIF records; drivers read Payload directly.
	MfctSpecific bool

	Mode          SecurityMode
	Decrypted     bool
	Payload       []byte // application payload; plaintext after Decrypt
	PayloadOffset int    // offset of Payload[0] within Raw

	Records      *Records
	Explanations []Explanation
}

// dllHeaderLen is L C M M A A A A VER TYPE.
const dllHeaderLen = 10

// Parse decodes the DLL header and whichever ELL/TPL header the CI-field
// announces. The payload is left encrypted; call Decrypt before
// ParseRecords for protected telegrams.
func Parse(raw []byte) (*Telegram, error) {
	if len(raw) < dllHeaderLen+1 {
		return nil, fmt.Errorf("%w (%d bytes)", ErrShortTelegram, len(raw))
	}
	t := &Telegram{
		Raw:          raw,
		LField:       raw[0],
		CField:       raw[1],
		Manufacturer: binary.LittleEndian.Uint16(raw[2:4]),
		Version:      raw[8],
		Type:         raw[9],
		CI:           raw[10],
	}
	copy(t.AddressBytes[:], raw[4:8])
	t.ID = idString(t.AddressBytes)
	if int(t.LField)+1 != len(raw) {
		return nil, fmt.Errorf("%w: l-field %d vs frame %d", ErrShortTelegram, t.LField, len(raw))
	}
	t.explain(0, raw[:1], "length")
	t.explain(1, raw[1:2], "c-field")
	t.explain(2, raw[2:4], "manufacturer "+ManufacturerString(t.Manufacturer))
	t.explain(4, raw[4:8], "id "+t.ID)
	t.explain(8, raw[8:9], "version")
	t.explain(9, raw[9:10], "device type")
	t.explain(10, raw[10:11], "ci-field")

	body := raw[dllHeaderLen+1:]
	off := dllHeaderLen + 1
	switch t.CI {
	case CIELLEncrypted:
		if len(body) < 6 {
			return nil, ErrShortHeader
		}
		t.HasELL = true
		t.ELLCC = body[0]
		t.ELLACC = body[1]
		t.ELLSN = binary.LittleEndian.Uint32(body[2:6])
		t.Mode = SecurityELLAESCTR
		t.explain(off, body[:6], "ell cc/acc/session")
		t.Payload = body[6:]
		t.PayloadOffset = off + 6
	case CITPLShort:
		if len(body) < 4 {
			return nil, ErrShortHeader
		}
		t.HasTPL = true
		t.TPLACC = body[0]
		t.TPLStatus = body[1]
		t.TPLConfig = binary.LittleEndian.Uint16(body[2:4])
		t.tplAddr = t.AddressBytes
		t.tplMfct = t.Manufacturer
		t.tplVer = t.Version
		t.tplType = t.Type
		if (t.TPLConfig>>8)&0x1F == 5 {
			t.Mode = SecurityTPLAESCBC
		}
		t.explain(off, body[:4], "tpl short header")
		t.Payload = body[4:]
		t.PayloadOffset = off + 4
	case CITPLLong:
		if len(body) < 12 {
			return nil, ErrShortHeader
		}
		t.HasTPL = true
		copy(t.tplAddr[:], body[0:4])
		t.tplMfct = binary.LittleEndian.Uint16(body[4:6])
		t.tplVer = body[6]
		t.tplType = body[7]
		t.TPLACC = body[8]
		t.TPLStatus = body[9]
		t.TPLConfig = binary.LittleEndian.Uint16(body[10:12])
		if (t.TPLConfig>>8)&0x1F == 5 {
			t.Mode = SecurityTPLAESCBC
		}
		t.explain(off, body[:12], "tpl long header")
		t.Payload = body[12:]
		t.PayloadOffset = off + 12
	case CIFullNoHeader:
		t.Payload = body
		t.PayloadOffset = off
	default:
		// Proprietary application layer; hand the bytes to the driver as-is.
		t.MfctSpecific = true
		t.Payload = body
		t.PayloadOffset = off
	}
	if t.Mode == SecurityNone {
		t.Decrypted = true
	}
	return t, nil
}

// Clone copies the telegram so per-meter decryption never mutates the
// original dispatch copy.
func (t *Telegram) Clone() *Telegram {
	c := *t
	c.Raw = append([]byte(nil), t.Raw...)
	c.Payload = append([]byte(nil), t.Payload...)
	c.Explanations = append([]Explanation(nil), t.Explanations...)
	c.Records = nil
	return &c
}

// Explain appends an annotation for bytes at the given frame offset.
func (t *Telegram) Explain(offset int, data []byte, note string) {
	t.explain(offset, data, note)
}

func (t *Telegram) explain(offset int, data []byte, note string) {
	if offset >= len(t.Raw) {
		return
	}
	t.Explanations = append(t.Explanations, Explanation{
		Offset: offset,
		Hex:    hex.EncodeToString(data),
		Note:   note,
	})
}

// idString renders the 4 wire-order address bytes as the printable meter id.
func idString(a [4]byte) string {
	rev := []byte{a[3], a[2], a[1], a[0]}
	return hex.EncodeToString(rev)
}
