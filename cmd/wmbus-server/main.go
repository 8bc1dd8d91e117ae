package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kstaniek/go-wmbus-server/internal/frame"
	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/manager"
	"github.com/kstaniek/go-wmbus-server/internal/meter"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
	"github.com/kstaniek/go-wmbus-server/internal/source"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("wmbus-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	logging.SetDebug(cfg.debug)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	registry := meter.NewRegistry()
	for _, ms := range cfg.meters {
		if _, err := registry.AddMeter(ms.name, ms.driver, ms.addresses, ms.key); err != nil {
			l.Error("meter_config_error", "meter", ms.name, "error", err)
			os.Exit(1)
		}
		l.Info("meter_configured", "name", ms.name, "driver", ms.driver, "addresses", ms.addresses)
	}
	registry.OnUpdate(printUpdate)

	mgr, err := manager.New(manager.WithExitAfter(cfg.exitAfter))
	if err != nil {
		l.Error("manager_init_error", "error", err)
		os.Exit(1)
	}
	startMetricsLogger(mgr, cfg.logMetricsEvery, l)

	sources, err := buildSources(cfg)
	if err != nil {
		l.Error("source_config_error", "error", err)
		os.Exit(1)
	}
	framing := frame.FramingWMBus
	if cfg.framing == "mbus" {
		framing = frame.FramingMBus
	}
	opened := 0
	for _, s := range sources {
		attachPipeline(s, framing, registry)
		res := s.Open(cfg.expectDevices)
		l.Info("source_open_result", "source", s.Name(), "kind", s.Kind().String(), "result", res.String())
		if res != source.AccessOK {
			if cfg.expectDevices {
				l.Error("source_unavailable", "source", s.Name())
				os.Exit(1)
			}
			continue
		}
		mgr.AddSource(s)
		opened++
	}
	if opened == 0 {
		l.Error("no_usable_sources")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics.SetReadinessFunc(func() bool { return mgr.IsRunning() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if cleanupMDNS, err := startMDNS(ctx, cfg, metricsPort(cfg.metricsAddr)); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		} else {
			defer cleanupMDNS()
		}
	}

	mgr.Start()
	if cfg.expectDevices {
		mgr.ExpectDevicesToWork()
	}

	// SIGUSR1 tickles the loops, SIGCHLD prompts the sweep after a
	// subprocess exit, SIGUSR2/INT/TERM unblock the main thread for stop.
	tickleCh := make(chan os.Signal, 4)
	signal.Notify(tickleCh, syscall.SIGUSR1, syscall.SIGCHLD)
	go func() {
		for range tickleCh {
			mgr.Tickle()
		}
	}()
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		mgr.Stop()
	case <-mgr.Done():
	}
	cancel()
	for _, s := range mgr.Sources() {
		s.Close()
	}
	mgr.Wait()
	l.Info("bye")
}

// buildSources instantiates every configured byte source.
func buildSources(cfg *appConfig) ([]source.Source, error) {
	var out []source.Source
	for _, d := range cfg.devices {
		out = append(out, source.NewTTY(d.path, d.baud, d.parity))
	}
	if cfg.subprocess != "" {
		out = append(out, source.NewCommand(cfg.subprocess, nil, nil))
	}
	if cfg.readFile != "" {
		out = append(out, source.NewFile(cfg.readFile))
	}
	if cfg.simulation != "" {
		sim, err := source.LoadSimulation(cfg.simulation)
		if err != nil {
			return nil, err
		}
		out = append(out, sim)
	}
	return out, nil
}

// attachPipeline wires source bytes through the frame recognizer into the
// meter registry.
func attachPipeline(s source.Source, f frame.Framing, registry *meter.Registry) {
	dec := frame.NewDecoder(f, s.Name())
	s.SetOnData(func() {
		data, err := s.Receive()
		if err != nil {
			metrics.IncError(metrics.ErrSourceRead)
			logging.L().Warn("source_read_error", "source", s.Name(), "error", err)
		}
		if len(data) > 0 {
			dec.Consume(data, registry.ProcessFrame)
		}
	})
	s.SetOnDisappear(func() {
		logging.L().Info("source_disappeared", "source", s.Name())
	})
}

func metricsPort(addr string) int {
	if _, p, err := net.SplitHostPort(addr); err == nil {
		if pn, perr := strconv.Atoi(p); perr == nil {
			return pn
		}
	}
	return 0
}
