package source

import (
	"bufio"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
)

// simEntry is one scripted injection, relative to replay start.
type simEntry struct {
	data  []byte
	delay time.Duration
}

// Simulator replays pre-loaded telegram bytes, optionally on a relative
// schedule. It has no file descriptor; data is pushed to the on-data
// callback via Fill.
type Simulator struct {
	base
	entries []simEntry

	bufMu  sync.Mutex
	buf    []byte
	stopCh chan struct{}
	once   sync.Once
}

// NewSimulator creates a simulator with the given scripted entries.
func NewSimulator(name string, entries []simEntry) *Simulator {
	s := &Simulator{
		base:    newBase(name, KindSimulator, true),
		entries: entries,
		stopCh:  make(chan struct{}),
	}
	return s
}

// LoadSimulation parses a simulation script: one directive per line,
// `telegram=<hex>` injects immediately, `telegram=<hex>|+<seconds>` at
// start+seconds; other lines are ignored.
func LoadSimulation(path string) (*Simulator, error) {
	f, err := os.Open(path)
	if err != nil {
		metrics.IncError(metrics.ErrSimulatorFile)
		return nil, err
	}
	defer f.Close()

	var entries []simEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "telegram=") {
			continue
		}
		spec := strings.TrimPrefix(line, "telegram=")
		var delay time.Duration
		if i := strings.Index(spec, "|+"); i >= 0 {
			secs, err := strconv.Atoi(spec[i+2:])
			if err != nil {
				logging.L().Warn("simulation_bad_delay", "line", line)
				continue
			}
			delay = time.Duration(secs) * time.Second
			spec = spec[:i]
		}
		data, err := hex.DecodeString(strings.ReplaceAll(spec, " ", ""))
		if err != nil {
			logging.L().Warn("simulation_bad_hex", "line", line)
			continue
		}
		entries = append(entries, simEntry{data: data, delay: delay})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return NewSimulator(path, entries), nil
}

// AddTelegram appends a scripted entry; for tests and programmatic setups.
func (s *Simulator) AddTelegram(data []byte, delay time.Duration) {
	s.entries = append(s.entries, simEntry{data: append([]byte(nil), data...), delay: delay})
}

// Open starts the replay goroutine. Idempotent.
func (s *Simulator) Open(strict bool) AccessResult {
	if s.Opened() {
		return AccessOK
	}
	s.markOpened(-1)
	go s.replay()
	return AccessOK
}

// replayTick bounds each cooperative wait so stop is honored promptly.
const replayTick = time.Second

func (s *Simulator) replay() {
	start := time.Now()
	for _, e := range s.entries {
		for {
			remaining := time.Until(start.Add(e.delay))
			if remaining <= 0 {
				break
			}
			if remaining > replayTick {
				remaining = replayTick
			}
			select {
			case <-s.stopCh:
				return
			case <-time.After(remaining):
			}
		}
		select {
		case <-s.stopCh:
			return
		default:
		}
		s.Fill(e.data)
	}
	// Script exhausted; let the sweep retire this source.
	s.markNotWorking()
}

// Fill appends bytes and triggers the on-data callback exactly once.
func (s *Simulator) Fill(data []byte) {
	s.bufMu.Lock()
	s.buf = append(s.buf, data...)
	s.bufMu.Unlock()
	s.DeliverData()
}

func (s *Simulator) Receive() ([]byte, error) {
	s.bufMu.Lock()
	out := s.buf
	s.buf = nil
	s.bufMu.Unlock()
	return out, nil
}

func (s *Simulator) Send(data []byte) bool { return true }

func (s *Simulator) Close() {
	s.once.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.closed = true
	s.working = false
	s.mu.Unlock()
	s.tickle()
}

func (s *Simulator) CheckIfDataIsPending() int {
	s.bufMu.Lock()
	n := len(s.buf)
	s.bufMu.Unlock()
	return n
}
