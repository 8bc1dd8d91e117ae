package manager

import (
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
)

// timerTick is the timer-loop wake cadence; period resolution is one tick.
const timerTick = time.Second

type timer struct {
	name     string
	period   time.Duration
	lastCall time.Time
	fn       func()
}

// AddTimer registers a periodic callback. Callbacks run serialized on the
// timer goroutine with no manager lock held.
func (m *Manager) AddTimer(name string, period time.Duration, fn func()) {
	t := &timer{name: name, period: period, lastCall: m.clk.Now(), fn: fn}
	m.timersMu.Lock()
	m.timers = append(m.timers, t)
	m.timersMu.Unlock()
}

// timerLoop wakes every tick, fires due timers and enforces exit-after.
func (m *Manager) timerLoop() {
	defer m.wg.Done()
	defer logging.L().Info("timer_loop_end")
	tick := m.clk.Ticker(timerTick)
	defer tick.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-tick.C:
			m.fireDue(now)
			if m.exitAfter > 0 && now.Sub(m.start) >= m.exitAfter {
				logging.L().Info("exit_after_elapsed", "after", m.exitAfter)
				m.Stop()
				return
			}
		}
	}
}

func (m *Manager) fireDue(now time.Time) {
	m.timersMu.Lock()
	var due []*timer
	for _, t := range m.timers {
		if now.Sub(t.lastCall) >= t.period {
			t.lastCall = now
			due = append(due, t)
		}
	}
	m.timersMu.Unlock()
	for _, t := range due {
		t.fn()
	}
}
