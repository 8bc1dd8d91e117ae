package telegram

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a CRC-stripped wM-Bus frame around the given
// application bytes (CI + everything after it).
func buildFrame(mfct uint16, id [4]byte, version, devType byte, app []byte) []byte {
	body := make([]byte, 0, 9+len(app))
	body = append(body, 0x44, byte(mfct), byte(mfct>>8))
	body = append(body, id[:]...)
	body = append(body, version, devType)
	body = append(body, app...)
	return append([]byte{byte(len(body))}, body...)
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

var kamID = [4]byte{0x78, 0x56, 0x34, 0x12}

func TestManufacturerRoundTrip(t *testing.T) {
	assert.Equal(t, uint16(0x2C2D), ManufacturerFlag("KAM"))
	assert.Equal(t, "KAM", ManufacturerString(0x2C2D))
	assert.Equal(t, uint16(0x5068), ManufacturerFlag("TCH"))
	assert.Equal(t, uint16(0), ManufacturerFlag("ka"))
}

func TestParse_DLLHeader(t *testing.T) {
	raw := buildFrame(0x2C2D, kamID, 0x30, 0x04, mustHex(t, "7803062C0000"))
	tg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2C2D), tg.Manufacturer)
	assert.Equal(t, "12345678", tg.ID)
	assert.Equal(t, byte(0x30), tg.Version)
	assert.Equal(t, byte(0x04), tg.Type)
	assert.Equal(t, byte(0x78), tg.CI)
	assert.Equal(t, SecurityNone, tg.Mode)
	assert.True(t, tg.Decrypted)
	for _, e := range tg.Explanations {
		assert.Less(t, e.Offset, len(raw))
	}
}

func TestParse_LengthMismatch(t *testing.T) {
	raw := buildFrame(0x2C2D, kamID, 0x30, 0x04, mustHex(t, "7803062C0000"))
	raw[0]++ // corrupt the L-field
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrShortTelegram)
}

func TestParseRecords_Multical302Surface(t *testing.T) {
	app := mustHex(t, "78"+"03062C0000"+"4306000000"+"0314630000"+"426C7F2A"+"022D1300"+"01FF2100")
	tg, err := Parse(buildFrame(0x2C2D, kamID, 0x30, 0x04, app))
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	require.Equal(t, 6, tg.Records.Len())

	key, ok := tg.Records.FindKey(Instantaneous, Energy, 0, AnyTariff)
	require.True(t, ok)
	assert.Equal(t, "0306", key)
	_, v, ok := tg.Records.ExtractDouble(key)
	require.True(t, ok)
	assert.InDelta(t, 44.0, v, 1e-9)

	key, ok = tg.Records.FindKey(Instantaneous, Energy, 1, AnyTariff)
	require.True(t, ok)
	assert.Equal(t, "4306", key)
	_, v, _ = tg.Records.ExtractDouble(key)
	assert.InDelta(t, 0.0, v, 1e-9)

	key, ok = tg.Records.FindKey(Instantaneous, Volume, 0, AnyTariff)
	require.True(t, ok)
	_, v, _ = tg.Records.ExtractDouble(key)
	assert.InDelta(t, 0.99, v, 1e-9)

	key, ok = tg.Records.FindKey(Instantaneous, Date, 1, AnyTariff)
	require.True(t, ok)
	_, ts, ok := tg.Records.ExtractDate(key)
	require.True(t, ok)
	assert.Equal(t, "2019-10-31 00:00", ts.Format("2006-01-02 15:04"))

	key, ok = tg.Records.FindKey(Instantaneous, Power, 0, AnyTariff)
	require.True(t, ok)
	_, v, _ = tg.Records.ExtractDouble(key)
	assert.InDelta(t, 1.9, v, 1e-9)

	_, info, ok := tg.Records.ExtractUint("01ff21")
	require.True(t, ok)
	assert.Equal(t, uint64(0), info)
}

func TestParseRecords_RecordOffsetsInsideFrame(t *testing.T) {
	app := mustHex(t, "78"+"03062C0000"+"0314630000")
	raw := buildFrame(0x2C2D, kamID, 0x30, 0x04, app)
	tg, err := Parse(raw)
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	require.GreaterOrEqual(t, tg.Records.Len(), 1)
	assert.LessOrEqual(t, tg.Records.Len(), 2)
	for _, key := range tg.Records.Keys() {
		rec, _ := tg.Records.Get(key)
		assert.Less(t, rec.Offset, len(raw))
		assert.GreaterOrEqual(t, rec.Offset, 11)
	}
}

func TestParseRecords_DuplicateKeyLastWriterWins(t *testing.T) {
	// Two 0215 records; the later value must win, the order slot stays first.
	app := mustHex(t, "78" + "02156400" + "0215C800")
	tg, err := Parse(buildFrame(0x5068, kamID, 0x45, 0x43, app))
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	require.Equal(t, 1, tg.Records.Len())
	_, v, ok := tg.Records.ExtractUint("0215")
	require.True(t, ok)
	assert.Equal(t, uint64(0xC8), v)
}

func TestParseRecords_TruncatedChainKeepsEarlierRecords(t *testing.T) {
	app := mustHex(t, "78"+"03062C0000"+"0414") // second record lacks payload
	tg, err := Parse(buildFrame(0x2C2D, kamID, 0x30, 0x04, app))
	require.NoError(t, err)
	err = tg.ParseRecords()
	assert.ErrorIs(t, err, ErrRecordChain)
	assert.Equal(t, 1, tg.Records.Len())
}

func TestExtractDouble_BCD(t *testing.T) {
	// 6-digit BCD volume: 0x123456 -> 123456 * 1e-2 m3
	app := mustHex(t, "78" + "0B14563412")
	tg, err := Parse(buildFrame(0x2C2D, kamID, 0x30, 0x04, app))
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	_, v, ok := tg.Records.ExtractDouble("0b14")
	require.True(t, ok)
	assert.InDelta(t, 1234.56, v, 1e-9)
}

func TestExtractDouble_NegativeBCD(t *testing.T) {
	// Top nibble F marks negative BCD.
	app := mustHex(t, "78" + "0A60 42F1")
	tg, err := Parse(buildFrame(0x2C2D, kamID, 0x30, 0x04, app))
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	_, v, ok := tg.Records.ExtractDouble("0a60")
	require.True(t, ok)
	assert.InDelta(t, -0.142, v, 1e-9)
}

func TestExtractDouble_BadBCDNibbleIsNaN(t *testing.T) {
	app := mustHex(t, "78" + "0A14 4A00") // low byte nibble A > 9
	tg, err := Parse(buildFrame(0x2C2D, kamID, 0x30, 0x04, app))
	require.NoError(t, err)
	require.NoError(t, tg.ParseRecords())
	_, v, ok := tg.Records.ExtractDouble("0a14")
	require.True(t, ok)
	assert.True(t, v != v, "expected NaN, got %v", v)
}

func TestParse_MfctSpecificCIHasNoRecords(t *testing.T) {
	app := mustHex(t, "A2"+"000000640000 00C800")
	tg, err := Parse(buildFrame(0x5068, kamID, 0x45, 0x43, app))
	require.NoError(t, err)
	assert.True(t, tg.MfctSpecific)
	require.NoError(t, tg.ParseRecords())
	assert.Equal(t, 0, tg.Records.Len())
	assert.Equal(t, app[1:], tg.Payload)
}
