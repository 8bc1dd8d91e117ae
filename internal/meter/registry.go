package meter

import (
	"fmt"
	"sync"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
	"github.com/kstaniek/go-wmbus-server/internal/telegram"
)

// driverFactories maps driver tags to constructors of per-meter state.
var driverFactories = map[string]func() Driver{
	"multical302": func() Driver { return &multical302{} },
	"multical603": func() Driver { return &multical603{} },
	"compact5":    func() Driver { return &compact5{} },
}

// NewDriver instantiates per-meter driver state for a tag.
func NewDriver(tag string) (Driver, error) {
	f, ok := driverFactories[tag]
	if !ok {
		return nil, fmt.Errorf("meter: unknown driver %q", tag)
	}
	return f(), nil
}

// DriverTags lists the registered driver tags.
func DriverTags() []string {
	tags := make([]string, 0, len(driverFactories))
	for t := range driverFactories {
		tags = append(tags, t)
	}
	return tags
}

// UpdateFunc receives each successfully processed (telegram, meter) pair.
type UpdateFunc func(*telegram.Telegram, *Meter)

// Registry holds the configured meters and routes decoded telegrams to
// them. Meters are created at configuration load and live until shutdown;
// telegram receipt never creates one.
type Registry struct {
	mu       sync.RWMutex
	meters   []*Meter
	warned   map[string]struct{} // addresses with an emitted mismatch warning
	ignored  map[string]struct{} // addresses permanently dropped after integrity failure
	onUpdate UpdateFunc
	now      func() time.Time
}

// NewRegistry creates an empty meter registry.
func NewRegistry() *Registry {
	return &Registry{
		warned:  map[string]struct{}{},
		ignored: map[string]struct{}{},
		now:     time.Now,
	}
}

// OnUpdate installs the sink callback, invoked without registry locks held.
func (r *Registry) OnUpdate(fn UpdateFunc) { r.onUpdate = fn }

// AddMeter configures a meter instance for the given driver tag.
func (r *Registry) AddMeter(name, tag string, addresses []string, key []byte) (*Meter, error) {
	d, err := NewDriver(tag)
	if err != nil {
		return nil, err
	}
	m := &Meter{Name: name, Addresses: addresses, Key: key, driver: d}
	r.mu.Lock()
	r.meters = append(r.meters, m)
	n := len(r.meters)
	r.mu.Unlock()
	if n == 1 {
		logging.L().Info("first_meter_configured", "name", name, "driver", tag)
	}
	return m, nil
}

// Meters returns a snapshot of the configured meters.
func (r *Registry) Meters() []*Meter {
	r.mu.RLock()
	out := make([]*Meter, len(r.meters))
	copy(out, r.meters)
	r.mu.RUnlock()
	return out
}

// IsIgnored reports whether an address is permanently dropped.
func (r *Registry) IsIgnored(id string) bool {
	r.mu.RLock()
	_, ok := r.ignored[id]
	r.mu.RUnlock()
	return ok
}

// ProcessFrame parses one recognized frame and dispatches it. All
// recoverable errors stop at this per-telegram boundary.
func (r *Registry) ProcessFrame(raw []byte) {
	t, err := telegram.Parse(raw)
	if err != nil {
		metrics.IncMalformed()
		logging.L().Debug("telegram_parse_error", "error", err)
		return
	}
	metrics.IncTelegram()
	r.dispatch(t)
}

// dispatch routes a telegram to every matching meter. Policy: the
// configured driver wins — after a one-shot detection-mismatch warning the
// telegram is still handed to the driver the user selected.
func (r *Registry) dispatch(t *telegram.Telegram) {
	if r.IsIgnored(t.ID) {
		return
	}
	matched := false
	for _, m := range r.Meters() {
		if !m.MatchesAddress(t.ID) {
			continue
		}
		matched = true
		tc := t.Clone()
		if err := tc.Decrypt(m.Key); err != nil {
			r.ignore(t.ID, err)
			return
		}
		if err := tc.ParseRecords(); err != nil {
			// Records before the fault remain usable; fall through.
			logging.L().Debug("partial_record_set", "id", t.ID, "error", err)
		}
		if !m.Driver().Detects(t.Manufacturer, t.Type, t.Version) {
			r.warnMismatchOnce(t, m)
		}
		m.Driver().ProcessContent(tc)
		m.NumUpdates++
		m.LastUpdate = r.now()
		metrics.IncMeterUpdate()
		if r.onUpdate != nil {
			r.onUpdate(tc, m)
		}
	}
	if !matched {
		metrics.IncUnmatched()
		if logging.Debug() {
			logging.L().Debug("telegram_unmatched", "id", t.ID,
				"mfct", telegram.ManufacturerString(t.Manufacturer),
				"type", t.Type, "version", t.Version)
		}
	}
}

// ignore permanently drops an address after an integrity failure, warning
// exactly once.
func (r *Registry) ignore(id string, err error) {
	metrics.IncIntegrityFailure()
	r.mu.Lock()
	_, seen := r.ignored[id]
	r.ignored[id] = struct{}{}
	r.mu.Unlock()
	if !seen {
		logging.L().Warn(fmt.Sprintf("Permanently ignoring telegrams from id: %s", id), "error", err)
	}
}

func (r *Registry) warnMismatchOnce(t *telegram.Telegram, m *Meter) {
	r.mu.Lock()
	_, seen := r.warned[t.ID]
	r.warned[t.ID] = struct{}{}
	r.mu.Unlock()
	if seen {
		return
	}
	logging.L().Warn("driver_detection_mismatch",
		"id", t.ID,
		"configured", m.Driver().Tag(),
		"mfct", telegram.ManufacturerString(t.Manufacturer),
		"type", t.Type, "version", t.Version)
}
