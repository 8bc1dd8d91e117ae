package main

import (
	"log/slog"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/manager"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
)

// startMetricsLogger registers a periodic snapshot log on the manager's
// timer wheel (for non-Prometheus setups).
func startMetricsLogger(m *manager.Manager, interval time.Duration, l *slog.Logger) {
	if interval <= 0 {
		return
	}
	m.AddTimer("metrics_log", interval, func() {
		snap := metrics.Snap()
		l.Info("metrics_snapshot",
			"frames", snap.Frames,
			"malformed", snap.Malformed,
			"telegrams", snap.Telegrams,
			"integrity_failures", snap.Integrity,
			"parser_errors", snap.ParserErrors,
			"meter_updates", snap.MeterUpdates,
			"unmatched", snap.Unmatched,
			"errors", snap.Errors,
			"sources", snap.Sources,
		)
	})
}
