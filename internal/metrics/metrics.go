package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	FramesRecognized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_frames_recognized_total",
		Help: "Total complete frames extracted from byte streams.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_malformed_frames_total",
		Help: "Total rejected malformed frames (length sanity, checksum, protocol violations).",
	})
	TelegramsDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_telegrams_decoded_total",
		Help: "Total telegrams with a successfully parsed link-layer header.",
	})
	IntegrityFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_integrity_failures_total",
		Help: "Total telegrams failing decryption or the plaintext sanity check.",
	})
	ParserErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_record_parser_errors_total",
		Help: "Total malformed DIF/VIF record chains.",
	})
	MeterUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_meter_updates_total",
		Help: "Total telegrams successfully applied to a configured meter.",
	})
	UnmatchedTelegrams = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wmbus_unmatched_telegrams_total",
		Help: "Total decoded telegrams matching no configured meter address.",
	})
	ActiveSources = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wmbus_active_sources",
		Help: "Current number of working byte sources.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSourceOpen    = "source_open"
	ErrSourceRead    = "source_read"
	ErrSourceWrite   = "source_write"
	ErrDecrypt       = "decrypt"
	ErrDriver        = "driver"
	ErrEventLoop     = "event_loop"
	ErrSimulatorFile = "simulator_file"
)

// StartHTTP serves Prometheus metrics at /metrics on the given address.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localFrames     uint64
	localMalformed  uint64
	localTelegrams  uint64
	localIntegrity  uint64
	localParserErrs uint64
	localUpdates    uint64
	localUnmatched  uint64
	localErrors     uint64
	localSources    uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Frames       uint64
	Malformed    uint64
	Telegrams    uint64
	Integrity    uint64
	ParserErrors uint64
	MeterUpdates uint64
	Unmatched    uint64
	Errors       uint64 // sum across error labels
	Sources      uint64
}

func Snap() Snapshot {
	return Snapshot{
		Frames:       atomic.LoadUint64(&localFrames),
		Malformed:    atomic.LoadUint64(&localMalformed),
		Telegrams:    atomic.LoadUint64(&localTelegrams),
		Integrity:    atomic.LoadUint64(&localIntegrity),
		ParserErrors: atomic.LoadUint64(&localParserErrs),
		MeterUpdates: atomic.LoadUint64(&localUpdates),
		Unmatched:    atomic.LoadUint64(&localUnmatched),
		Errors:       atomic.LoadUint64(&localErrors),
		Sources:      atomic.LoadUint64(&localSources),
	}
}

// Wrapper helpers to keep call sites simple.
func IncFrame() {
	FramesRecognized.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func IncTelegram() {
	TelegramsDecoded.Inc()
	atomic.AddUint64(&localTelegrams, 1)
}

func IncIntegrityFailure() {
	IntegrityFailures.Inc()
	atomic.AddUint64(&localIntegrity, 1)
}

func IncParserError() {
	ParserErrors.Inc()
	atomic.AddUint64(&localParserErrs, 1)
}

func IncMeterUpdate() {
	MeterUpdates.Inc()
	atomic.AddUint64(&localUpdates, 1)
}

func IncUnmatched() {
	UnmatchedTelegrams.Inc()
	atomic.AddUint64(&localUnmatched, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// SetActiveSources records the number of working byte sources.
func SetActiveSources(n int) {
	ActiveSources.Set(float64(n))
	atomic.StoreUint64(&localSources, uint64(n))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSourceOpen, ErrSourceRead, ErrSourceWrite,
		ErrDecrypt, ErrDriver, ErrEventLoop, ErrSimulatorFile,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
