package main

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/frame"
	"github.com/kstaniek/go-wmbus-server/internal/manager"
	"github.com/kstaniek/go-wmbus-server/internal/meter"
	"github.com/kstaniek/go-wmbus-server/internal/source"
	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// multical302Hex is a complete CRC-stripped telegram for a KAM 302.
const multical302Hex = "25442D2C78563412300478" +
	"03062C0000" + "4306000000" + "0314630000" + "426C7F2A" + "022D1300" + "01FF2100"

func TestSimulationScript_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "sim.txt")
	content := "telegram=" + multical302Hex + "|+0\n" +
		"telegram=" + multical302Hex + "|+1\n"
	if err := os.WriteFile(script, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	sim, err := source.LoadSimulation(script)
	if err != nil {
		t.Fatalf("load simulation: %v", err)
	}

	registry := meter.NewRegistry()
	m, err := registry.AddMeter("heat", "multical302", []string{"12345678"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var at []time.Time
	registry.OnUpdate(func(tg *telegram.Telegram, mm *meter.Meter) {
		mu.Lock()
		at = append(at, time.Now())
		mu.Unlock()
	})

	mgr, err := manager.New()
	if err != nil {
		t.Fatal(err)
	}
	attachPipeline(sim, frame.FramingWMBus, registry)
	mgr.AddSource(sim)
	mgr.ExpectDevicesToWork()
	mgr.Start()
	start := time.Now()
	sim.Open(false)

	// Script end retires the source, which stops the manager.
	select {
	case <-mgr.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("manager did not stop after simulation ended")
	}
	stopAt := time.Now()
	mgr.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(at) != 2 {
		t.Fatalf("dispatched %d telegrams, want 2", len(at))
	}
	if d := at[1].Sub(start); d < time.Second {
		t.Fatalf("second telegram after %v, want >= 1s", d)
	}
	if d := stopAt.Sub(at[1]); d > 2*time.Second {
		t.Fatalf("stop lagged last dispatch by %v", d)
	}
	if m.NumUpdates != 2 {
		t.Fatalf("meter updates %d, want 2", m.NumUpdates)
	}
	for _, p := range m.Driver().Prints() {
		if p.Name == "total_energy_kwh" && p.Get() != "44.000" {
			t.Fatalf("total_energy_kwh = %s", p.Get())
		}
	}
}

func TestMulticl302Hex_IsSelfConsistent(t *testing.T) {
	raw, err := hex.DecodeString(multical302Hex)
	if err != nil {
		t.Fatal(err)
	}
	r := frame.CheckWMBus(raw)
	if r.Status != frame.Full || r.FrameLen != len(raw) {
		t.Fatalf("recognizer on literal telegram: %+v (len %d)", r, len(raw))
	}
	tg, err := telegram.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if tg.ID != "12345678" || telegram.ManufacturerString(tg.Manufacturer) != "KAM" {
		t.Fatalf("identity: id=%s mfct=%04x", tg.ID, tg.Manufacturer)
	}
}
