package meter

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/telegram"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	require.NoError(t, err)
	return b
}

func buildFrame(mfct uint16, id [4]byte, version, devType byte, app []byte) []byte {
	body := make([]byte, 0, 9+len(app))
	body = append(body, 0x44, byte(mfct), byte(mfct>>8))
	body = append(body, id[:]...)
	body = append(body, version, devType)
	body = append(body, app...)
	return append([]byte{byte(len(body))}, body...)
}

func printValue(t *testing.T, m *Meter, name string) string {
	t.Helper()
	for _, p := range m.Driver().Prints() {
		if p.Name == name {
			return p.Get()
		}
	}
	t.Fatalf("print %q not in schema", name)
	return ""
}

// recordingHandler captures log records so warn-once behavior is observable.
type recordingHandler struct {
	mu   sync.Mutex
	msgs []string
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if strings.HasPrefix(m, prefix) {
			n++
		}
	}
	return n
}

func captureLogs(t *testing.T) *recordingHandler {
	t.Helper()
	h := &recordingHandler{}
	old := logging.L()
	logging.Set(slog.New(h))
	t.Cleanup(func() { logging.Set(old) })
	return h
}

var kamID = [4]byte{0x78, 0x56, 0x34, 0x12}

func TestMulticl302_EndToEnd(t *testing.T) {
	app := mustHex(t, "78"+"03062C0000"+"4306000000"+"0314630000"+"426C7F2A"+"022D1300"+"01FF2100")
	raw := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x30, 0x04, app)

	r := NewRegistry()
	m, err := r.AddMeter("heat", "multical302", []string{"12345678"}, nil)
	require.NoError(t, err)

	var updates int
	r.OnUpdate(func(*telegram.Telegram, *Meter) { updates++ })
	r.ProcessFrame(raw)

	assert.Equal(t, 1, updates)
	assert.Equal(t, uint64(1), m.NumUpdates)
	assert.Equal(t, "44.000", printValue(t, m, "total_energy_kwh"))
	assert.Equal(t, "0.000", printValue(t, m, "target_energy_kwh"))
	assert.Equal(t, "0.990", printValue(t, m, "total_volume_m3"))
	assert.Equal(t, "2019-10-31 00:00", printValue(t, m, "target_date"))
	assert.Equal(t, "1.900", printValue(t, m, "current_power_kw"))
	assert.Equal(t, "", printValue(t, m, "status"))
}

func TestMultical603_EndToEnd(t *testing.T) {
	app := mustHex(t, "78"+"0406A5000000"+"041421020000"+"043B12000000"+"0259D014"+"025D0009"+"04FF2200000000")
	raw := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x35, 0x04, app)

	r := NewRegistry()
	m, err := r.AddMeter("heat", "multical603", []string{"12345678"}, nil)
	require.NoError(t, err)
	r.ProcessFrame(raw)

	assert.Equal(t, "165.000", printValue(t, m, "total_energy_kwh"))
	assert.Equal(t, "5.450", printValue(t, m, "total_volume_m3"))
	assert.Equal(t, "0.018", printValue(t, m, "volume_flow_m3h"))
	assert.Equal(t, "53.28", printValue(t, m, "t1_c"))
	assert.Equal(t, "23.04", printValue(t, m, "t2_c"))
	assert.Equal(t, "", printValue(t, m, "status"))
}

func TestCompact5_EndToEnd(t *testing.T) {
	app := mustHex(t, "A2"+"000000"+"6400"+"0000"+"C800"+"00")
	raw := buildFrame(telegram.ManufacturerFlag("TCH"), kamID, 0x45, 0x43, app)

	r := NewRegistry()
	m, err := r.AddMeter("heat", "compact5", []string{"12345678"}, nil)
	require.NoError(t, err)
	r.ProcessFrame(raw)

	assert.Equal(t, "100", printValue(t, m, "prev_period_kwh"))
	assert.Equal(t, "200", printValue(t, m, "curr_period_kwh"))
	assert.Equal(t, "300", printValue(t, m, "total_energy_kwh"))
}

func TestDispatch_BadKeyWarnsOnce(t *testing.T) {
	logs := captureLogs(t)

	// Build a mode-5 protected frame under one key, configure another.
	hdr := []byte{0x7A, 0x2B, 0x00, 0x00, 0x05}
	skeleton := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x30, 0x04, hdr)
	tg, err := telegram.Parse(skeleton)
	require.NoError(t, err)
	ct, err := tg.EncryptTPL([]byte("0123456789ABCDEF"), mustHex(t, "03062C0000"))
	require.NoError(t, err)
	raw := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x30, 0x04, append(hdr, ct...))

	r := NewRegistry()
	m, err := r.AddMeter("heat", "multical302", []string{"12345678"}, []byte("FFFFFFFFFFFFFFFF"))
	require.NoError(t, err)

	r.ProcessFrame(raw)
	r.ProcessFrame(raw)

	assert.Equal(t, 1, logs.count("Permanently ignoring telegrams from id: 12345678"))
	assert.Equal(t, uint64(0), m.NumUpdates, "failed integrity must not mutate meter state")
	assert.True(t, r.IsIgnored("12345678"))
}

func TestDispatch_MismatchWarnsOnceAndStillProcesses(t *testing.T) {
	logs := captureLogs(t)

	// A multical603 wire identity handed to a configured multical302.
	app := mustHex(t, "78"+"0406A5000000")
	raw := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x35, 0x04, app)

	r := NewRegistry()
	m, err := r.AddMeter("heat", "multical302", []string{"12345678"}, nil)
	require.NoError(t, err)
	r.ProcessFrame(raw)
	r.ProcessFrame(raw)

	assert.Equal(t, 1, logs.count("driver_detection_mismatch"))
	assert.Equal(t, uint64(2), m.NumUpdates, "configured driver still runs")
	assert.Equal(t, "165.000", printValue(t, m, "total_energy_kwh"))
}

func TestDispatch_UnmatchedIsDropped(t *testing.T) {
	app := mustHex(t, "78"+"03062C0000")
	raw := buildFrame(telegram.ManufacturerFlag("KAM"), kamID, 0x30, 0x04, app)

	r := NewRegistry()
	m, err := r.AddMeter("heat", "multical302", []string{"99999999"}, nil)
	require.NoError(t, err)
	var updates int
	r.OnUpdate(func(*telegram.Telegram, *Meter) { updates++ })
	r.ProcessFrame(raw)
	assert.Equal(t, 0, updates)
	assert.Equal(t, uint64(0), m.NumUpdates)
}

func TestMatchesAddress_Wildcards(t *testing.T) {
	m := &Meter{Addresses: []string{"1234****"}}
	assert.True(t, m.MatchesAddress("12345678"))
	assert.False(t, m.MatchesAddress("22345678"))
	all := &Meter{Addresses: []string{"*"}}
	assert.True(t, all.MatchesAddress("deadbeef"))
}

func TestNewDriver_UnknownTag(t *testing.T) {
	_, err := NewDriver("nope")
	assert.Error(t, err)
}

func TestRenderStatus(t *testing.T) {
	tokens := map[uint64]string{0x01: "A", 0x04: "B"}
	assert.Equal(t, "", renderStatus(0, tokens))
	assert.Equal(t, "A B", renderStatus(0x05, tokens))
	assert.Equal(t, "A UNKNOWN_10", renderStatus(0x11, tokens))
}
