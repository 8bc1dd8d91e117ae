package manager

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
	"github.com/kstaniek/go-wmbus-server/internal/source"
	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds one readiness wait; it is also the sweep cadence,
// so a vanished device is retired within a second.
const pollTimeoutMs = 1000

// Manager multiplexes heterogeneous byte sources and timers on two
// long-lived goroutines: a readiness loop and a timer loop. Callbacks are
// always invoked with no manager lock held.
type Manager struct {
	mu      sync.Mutex
	sources []source.Source

	running    atomic.Bool
	expectWork atomic.Bool
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup

	// self-pipe; writing one byte unblocks the readiness poll
	tickleR, tickleW int

	clk       clock.Clock
	start     time.Time
	exitAfter time.Duration

	timersMu sync.Mutex
	timers   []*timer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects the timer-loop clock (mocked in tests).
func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clk = c } }

// WithExitAfter bounds total run time; zero disables the limit.
func WithExitAfter(d time.Duration) Option { return func(m *Manager) { m.exitAfter = d } }

// New creates a stopped manager; call Start to launch the loops.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		stopCh: make(chan struct{}),
		clk:    clock.New(),
	}
	for _, o := range opts {
		o(m)
	}
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	_ = unix.SetNonblock(p[0], true)
	_ = unix.SetNonblock(p[1], true)
	m.tickleR, m.tickleW = p[0], p[1]
	return m, nil
}

// Start launches the readiness and timer loops.
func (m *Manager) Start() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	m.start = m.clk.Now()
	m.wg.Add(2)
	go m.readinessLoop()
	go m.timerLoop()
}

// IsRunning reports whether the loops are live.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// ExpectDevicesToWork latches the emergency-stop policy: from now on, all
// sources going dead stops the manager. During startup/detection,
// departures are tolerated.
func (m *Manager) ExpectDevicesToWork() { m.expectWork.Store(true) }

// AddSource registers a source; its notify hook is pointed at the tickle
// so state changes wake the readiness loop promptly.
func (m *Manager) AddSource(s source.Source) {
	s.SetNotify(m.Tickle)
	m.mu.Lock()
	m.sources = append(m.sources, s)
	n := len(m.sources)
	m.mu.Unlock()
	metrics.SetActiveSources(n)
	m.Tickle()
}

// Sources returns a snapshot of the current source list.
func (m *Manager) Sources() []source.Source {
	m.mu.Lock()
	out := make([]source.Source, len(m.sources))
	copy(out, m.sources)
	m.mu.Unlock()
	return out
}

// Tickle unblocks the readiness loop. Safe from any goroutine and from
// signal handlers' forwarding goroutine.
func (m *Manager) Tickle() {
	var b [1]byte
	_, _ = unix.Write(m.tickleW, b[:]) // EAGAIN means a wakeup is already queued
}

// Stop initiates orderly shutdown and returns immediately; Wait joins.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.running.Store(false)
		close(m.stopCh)
		m.Tickle()
		logging.L().Info("manager_stopping")
	})
}

// Wait blocks until both loops have exited, then releases the self-pipe.
func (m *Manager) Wait() {
	m.wg.Wait()
	// Invalidate source back-pointers before releasing them.
	for _, s := range m.Sources() {
		s.SetNotify(nil)
	}
	_ = unix.Close(m.tickleR)
	_ = unix.Close(m.tickleW)
}

// Done exposes the stop channel for callers that select on shutdown.
func (m *Manager) Done() <-chan struct{} { return m.stopCh }

// readinessLoop snapshots the source list, waits for OS readiness with a
// one-second ceiling, delivers on-data callbacks outside the critical
// section and sweeps dead sources.
func (m *Manager) readinessLoop() {
	defer m.wg.Done()
	defer logging.L().Info("readiness_loop_end")
	for m.running.Load() {
		snap := m.Sources()
		fds := make([]unix.PollFd, 1, len(snap)+1)
		fds[0] = unix.PollFd{Fd: int32(m.tickleR), Events: unix.POLLIN}
		polled := make([]source.Source, 1, len(snap)+1)
		for _, s := range snap {
			if source.Readable(s) && s.Fd() >= 0 {
				fds = append(fds, unix.PollFd{Fd: int32(s.Fd()), Events: unix.POLLIN})
				polled = append(polled, s)
			}
		}
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil && err != unix.EINTR {
			metrics.IncError(metrics.ErrEventLoop)
			logging.L().Error("poll_error", "error", err)
		}
		if !m.running.Load() {
			return
		}
		if n > 0 {
			if fds[0].Revents != 0 {
				m.drainTickle()
			}
			for i := 1; i < len(fds); i++ {
				if fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
					polled[i].DeliverData()
				}
			}
		}
		m.sweep()
	}
}

func (m *Manager) drainTickle() {
	var buf [64]byte
	for {
		n, err := unix.Read(m.tickleR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// sweep closes sources that stopped working, fires their disappear hook
// once, drops closed sources and applies the emergency-stop policy.
func (m *Manager) sweep() {
	m.mu.Lock()
	var toClose []source.Source
	kept := m.sources[:0]
	alive := 0
	for _, s := range m.sources {
		dead := s.IsClosed() || (s.Opened() && !s.Working())
		if s.Opened() && !s.Working() && !s.IsClosed() {
			toClose = append(toClose, s)
		}
		if s.IsClosed() {
			continue // drop
		}
		kept = append(kept, s)
		// A source that never opened has not transitioned to dead yet;
		// it stays alive for the emergency-stop policy.
		if !dead {
			alive++
		}
	}
	m.sources = kept
	m.mu.Unlock()

	for _, s := range toClose {
		s.Close()
		s.FireDisappearOnce()
		logging.L().Info("source_retired", "source", s.Name())
	}
	metrics.SetActiveSources(alive)

	if m.expectWork.Load() && alive == 0 && m.running.Load() {
		logging.L().Warn("all_sources_gone")
		m.Stop()
	}
}
