package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/source"
)

// deviceSpec is one --device argument: path:baud[:parity].
type deviceSpec struct {
	path   string
	baud   int
	parity source.Parity
}

// meterSpec is one --meter argument: name=driver:addresses[:key].
type meterSpec struct {
	name      string
	driver    string
	addresses []string
	key       []byte
}

type appConfig struct {
	devices         []deviceSpec
	subprocess      string
	readFile        string
	simulation      string
	meters          []meterSpec
	framing         string
	logFormat       string
	logLevel        string
	debug           bool
	metricsAddr     string
	logMetricsEvery time.Duration
	exitAfter       time.Duration
	expectDevices   bool
	mdnsEnable      bool
	mdnsName        string
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	var devices, meters multiFlag
	flag.Var(&devices, "device", "Radio/serial device as path:baud[:parity] (repeatable)")
	flag.Var(&meters, "meter", "Meter as name=driver:addresses[:hexkey] (repeatable)")
	subprocess := flag.String("subprocess", "", "Program whose stdout is the byte stream")
	readFile := flag.String("file", "", "File (or 'stdin') to read telegrams from")
	simulation := flag.String("simulation", "", "Simulation script path")
	framing := flag.String("framing", "wmbus", "Frame dialect: wmbus|mbus")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	debug := flag.Bool("debug", false, "Enable byte-level telegram tracing")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	exitAfter := flag.Duration("exit-after", 0, "Stop after this duration (0 = run forever)")
	expectDevices := flag.Bool("expect-devices", false, "Stop when all byte sources die after startup")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the metrics endpoint")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default wmbus-server-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.subprocess = *subprocess
	cfg.readFile = *readFile
	cfg.simulation = *simulation
	cfg.framing = *framing
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.debug = *debug
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.exitAfter = *exitAfter
	cfg.expectDevices = *expectDevices
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

	if err := applyEnvOverrides(cfg, setFlags, &devices, &meters); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	for _, d := range devices {
		spec, err := parseDeviceSpec(d)
		if err != nil {
			fmt.Printf("configuration error: %v\n", err)
			return nil, *showVersion
		}
		cfg.devices = append(cfg.devices, spec)
	}
	for _, mSpec := range meters {
		spec, err := parseMeterSpec(mSpec)
		if err != nil {
			fmt.Printf("configuration error: %v\n", err)
			return nil, *showVersion
		}
		cfg.meters = append(cfg.meters, spec)
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func parseDeviceSpec(s string) (deviceSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return deviceSpec{}, fmt.Errorf("device %q: want path:baud[:parity]", s)
	}
	baud, err := strconv.Atoi(parts[1])
	if err != nil || !source.ValidBaud(baud) {
		return deviceSpec{}, fmt.Errorf("device %q: unsupported baud %q", s, parts[1])
	}
	spec := deviceSpec{path: parts[0], baud: baud, parity: source.ParityNone}
	if len(parts) == 3 {
		switch parts[2] {
		case "none":
		case "even":
			spec.parity = source.ParityEven
		case "odd":
			spec.parity = source.ParityOdd
		default:
			return deviceSpec{}, fmt.Errorf("device %q: parity must be none|even|odd", s)
		}
	}
	return spec, nil
}

func parseMeterSpec(s string) (meterSpec, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok {
		return meterSpec{}, fmt.Errorf("meter %q: want name=driver:addresses[:hexkey]", s)
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return meterSpec{}, fmt.Errorf("meter %q: want name=driver:addresses[:hexkey]", s)
	}
	spec := meterSpec{name: name, driver: parts[0], addresses: strings.Split(parts[1], ",")}
	if len(parts) == 3 && parts[2] != "" {
		key, err := decodeHexKey(parts[2])
		if err != nil {
			return meterSpec{}, fmt.Errorf("meter %q: %w", s, err)
		}
		spec.key = key
	}
	return spec, nil
}

func decodeHexKey(s string) ([]byte, error) {
	if len(s) != 32 {
		return nil, errors.New("key must be 32 hex chars (AES-128)")
	}
	key := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, errors.New("key must be hex")
		}
		key[i] = byte(b)
	}
	return key, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.framing {
	case "wmbus", "mbus":
	default:
		return fmt.Errorf("invalid framing: %s", c.framing)
	}
	if len(c.devices) == 0 && c.subprocess == "" && c.readFile == "" && c.simulation == "" {
		return errors.New("no byte source configured (need --device, --subprocess, --file or --simulation)")
	}
	if c.exitAfter < 0 {
		return errors.New("exit-after must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps WMBUS_SERVER_* environment variables to config
// fields unless a corresponding flag was explicitly set. Empty values are
// ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}, devices, meters *multiFlag) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["device"]; !ok {
		if v, ok := get("WMBUS_SERVER_DEVICE"); ok && v != "" {
			*devices = append(*devices, v)
		}
	}
	if _, ok := set["meter"]; !ok {
		if v, ok := get("WMBUS_SERVER_METER"); ok && v != "" {
			*meters = append(*meters, strings.Split(v, ";")...)
		}
	}
	if _, ok := set["subprocess"]; !ok {
		if v, ok := get("WMBUS_SERVER_SUBPROCESS"); ok && v != "" {
			c.subprocess = v
		}
	}
	if _, ok := set["file"]; !ok {
		if v, ok := get("WMBUS_SERVER_FILE"); ok && v != "" {
			c.readFile = v
		}
	}
	if _, ok := set["simulation"]; !ok {
		if v, ok := get("WMBUS_SERVER_SIMULATION"); ok && v != "" {
			c.simulation = v
		}
	}
	if _, ok := set["framing"]; !ok {
		if v, ok := get("WMBUS_SERVER_FRAMING"); ok && v != "" {
			c.framing = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("WMBUS_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("WMBUS_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("WMBUS_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("WMBUS_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WMBUS_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["exit-after"]; !ok {
		if v, ok := get("WMBUS_SERVER_EXIT_AFTER"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.exitAfter = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid WMBUS_SERVER_EXIT_AFTER: %w", err)
			}
		}
	}
	if _, ok := set["expect-devices"]; !ok {
		if v, ok := get("WMBUS_SERVER_EXPECT_DEVICES"); ok && v != "" {
			c.expectDevices = parseBoolLax(v)
		}
	}
	if _, ok := set["debug"]; !ok {
		if v, ok := get("WMBUS_SERVER_DEBUG"); ok && v != "" {
			c.debug = parseBoolLax(v)
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("WMBUS_SERVER_MDNS_ENABLE"); ok && v != "" {
			c.mdnsEnable = parseBoolLax(v)
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("WMBUS_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}

func parseBoolLax(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
