package main

import (
	"testing"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/source"
)

func TestParseDeviceSpec(t *testing.T) {
	spec, err := parseDeviceSpec("/dev/ttyUSB0:115200")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.path != "/dev/ttyUSB0" || spec.baud != 115200 || spec.parity != source.ParityNone {
		t.Fatalf("spec: %+v", spec)
	}
	spec, err = parseDeviceSpec("/dev/ttyAMA0:2400:even")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.parity != source.ParityEven {
		t.Fatalf("parity: %+v", spec)
	}
	for _, bad := range []string{"/dev/x", "/dev/x:1234", "/dev/x:9600:weird", "a:b:c:d"} {
		if _, err := parseDeviceSpec(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestParseMeterSpec(t *testing.T) {
	spec, err := parseMeterSpec("heat=multical302:12345678,1234****:000102030405060708090A0B0C0D0E0F")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if spec.name != "heat" || spec.driver != "multical302" {
		t.Fatalf("spec: %+v", spec)
	}
	if len(spec.addresses) != 2 || spec.addresses[1] != "1234****" {
		t.Fatalf("addresses: %v", spec.addresses)
	}
	if len(spec.key) != 16 || spec.key[15] != 0x0F {
		t.Fatalf("key: % X", spec.key)
	}
	for _, bad := range []string{"heat", "heat=driveronly", "h=d:a:shortkey", "h=d:a:zz0102030405060708090A0B0C0D0E0F"} {
		if _, err := parseMeterSpec(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	ok := &appConfig{
		simulation: "sim.txt",
		framing:    "wmbus",
		logFormat:  "text",
		logLevel:   "info",
	}
	if err := ok.validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	noSource := &appConfig{framing: "wmbus", logFormat: "text", logLevel: "info"}
	if err := noSource.validate(); err == nil {
		t.Fatalf("config without sources accepted")
	}
	badFraming := &appConfig{simulation: "x", framing: "canbus", logFormat: "text", logLevel: "info"}
	if err := badFraming.validate(); err == nil {
		t.Fatalf("bad framing accepted")
	}
	badLevel := &appConfig{simulation: "x", framing: "wmbus", logFormat: "text", logLevel: "loud"}
	if err := badLevel.validate(); err == nil {
		t.Fatalf("bad log level accepted")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("WMBUS_SERVER_SIMULATION", "/tmp/sim.txt")
	t.Setenv("WMBUS_SERVER_LOG_LEVEL", "debug")
	t.Setenv("WMBUS_SERVER_EXIT_AFTER", "30s")
	t.Setenv("WMBUS_SERVER_EXPECT_DEVICES", "yes")
	t.Setenv("WMBUS_SERVER_METER", "a=multical302:12345678;b=compact5:*")

	cfg := &appConfig{logLevel: "info"}
	var devices, meters multiFlag
	if err := applyEnvOverrides(cfg, map[string]struct{}{}, &devices, &meters); err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if cfg.simulation != "/tmp/sim.txt" || cfg.logLevel != "debug" {
		t.Fatalf("cfg: %+v", cfg)
	}
	if cfg.exitAfter != 30*time.Second || !cfg.expectDevices {
		t.Fatalf("cfg: %+v", cfg)
	}
	if len(meters) != 2 {
		t.Fatalf("meters: %v", meters)
	}
}

func TestApplyEnvOverrides_FlagWins(t *testing.T) {
	t.Setenv("WMBUS_SERVER_LOG_LEVEL", "error")
	cfg := &appConfig{logLevel: "info"}
	var devices, meters multiFlag
	set := map[string]struct{}{"log-level": {}}
	if err := applyEnvOverrides(cfg, set, &devices, &meters); err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if cfg.logLevel != "info" {
		t.Fatalf("flag did not win: %s", cfg.logLevel)
	}
}
