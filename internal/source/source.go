package source

import (
	"sync"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"golang.org/x/sys/unix"
)

// Kind identifies the byte-source flavor.
type Kind int

const (
	KindTTY Kind = iota
	KindSubprocess
	KindFile
	KindStdin
	KindSimulator
)

func (k Kind) String() string {
	switch k {
	case KindTTY:
		return "tty"
	case KindSubprocess:
		return "subprocess"
	case KindFile:
		return "file"
	case KindStdin:
		return "stdin"
	case KindSimulator:
		return "simulator"
	}
	return "?"
}

// AccessResult classifies an Open attempt.
type AccessResult int

const (
	AccessOK AccessResult = iota
	NotThere
	NotSameGroup
)

func (a AccessResult) String() string {
	switch a {
	case AccessOK:
		return "ok"
	case NotThere:
		return "not-there"
	case NotSameGroup:
		return "not-same-group"
	}
	return "?"
}

// Source is the uniform byte-source abstraction the manager multiplexes.
// Open is idempotent; Close is at-most-once. Receive never blocks.
type Source interface {
	Name() string
	Kind() Kind
	Open(strict bool) AccessResult
	Receive() ([]byte, error)
	Send(data []byte) bool
	Close()
	Fd() int

	Opened() bool
	Working() bool
	IsClosed() bool
	Resetting() bool
	ReadOnly() bool
	SkippingCallbacks() bool
	SetSkippingCallbacks(bool)
	CheckIfDataIsPending() int

	SetOnData(func())
	SetOnDisappear(func())
	// DeliverData invokes the on-data callback; called by the manager
	// with no locks held.
	DeliverData()
	// FireDisappearOnce runs the on-disappear hook, at most once ever.
	FireDisappearOnce()
	// SetNotify installs the manager's tickle; the relation is weak and
	// the manager clears it before releasing the source.
	SetNotify(func())
}

// Readable reports whether the manager should include s in its readiness set.
func Readable(s Source) bool {
	return s.Opened() && s.Working() && !s.Resetting() && !s.SkippingCallbacks()
}

// base carries the state machine shared by all source kinds.
type base struct {
	name string
	kind Kind

	mu        sync.Mutex
	fd        int
	opened    bool
	working   bool
	closed    bool
	resetting bool
	skipping  bool
	readonly  bool

	rmu sync.Mutex // serializes Receive
	wmu sync.Mutex // serializes Send

	cbMu         sync.Mutex
	onData       func()
	onDisappear  func()
	disappearNow sync.Once
	notify       func()
}

func newBase(name string, kind Kind, readonly bool) base {
	return base{name: name, kind: kind, fd: -1, readonly: readonly}
}

func (b *base) Name() string { return b.name }
func (b *base) Kind() Kind   { return b.kind }

func (b *base) Fd() int             { b.mu.Lock(); defer b.mu.Unlock(); return b.fd }
func (b *base) Opened() bool        { b.mu.Lock(); defer b.mu.Unlock(); return b.opened }
func (b *base) Working() bool       { b.mu.Lock(); defer b.mu.Unlock(); return b.working }
func (b *base) IsClosed() bool      { b.mu.Lock(); defer b.mu.Unlock(); return b.closed }
func (b *base) Resetting() bool     { b.mu.Lock(); defer b.mu.Unlock(); return b.resetting }
func (b *base) ReadOnly() bool      { b.mu.Lock(); defer b.mu.Unlock(); return b.readonly }
func (b *base) SkippingCallbacks() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.skipping
}

func (b *base) SetSkippingCallbacks(v bool) {
	b.mu.Lock()
	b.skipping = v
	b.mu.Unlock()
	b.tickle()
}

func (b *base) SetOnData(fn func())      { b.cbMu.Lock(); b.onData = fn; b.cbMu.Unlock() }
func (b *base) SetOnDisappear(fn func()) { b.cbMu.Lock(); b.onDisappear = fn; b.cbMu.Unlock() }
func (b *base) SetNotify(fn func())      { b.cbMu.Lock(); b.notify = fn; b.cbMu.Unlock() }

func (b *base) DeliverData() {
	b.cbMu.Lock()
	fn := b.onData
	b.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *base) FireDisappearOnce() {
	b.disappearNow.Do(func() {
		b.cbMu.Lock()
		fn := b.onDisappear
		b.cbMu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

func (b *base) tickle() {
	b.cbMu.Lock()
	fn := b.notify
	b.cbMu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *base) markOpened(fd int) {
	b.mu.Lock()
	b.fd = fd
	b.opened = true
	b.working = true
	b.closed = false
	b.mu.Unlock()
	b.tickle()
}

// markNotWorking flags the source for the manager's sweep.
func (b *base) markNotWorking() {
	b.mu.Lock()
	changed := b.working
	b.working = false
	b.mu.Unlock()
	if changed {
		logging.L().Info("source_gone", "source", b.name, "kind", b.kind.String())
		b.tickle()
	}
}

// closeFd releases fd-lock and fd; at-most-once.
func (b *base) closeFd() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	fd := b.fd
	b.fd = -1
	b.closed = true
	b.working = false
	b.mu.Unlock()
	if fd >= 0 {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
	}
	b.tickle()
}

const receiveChunk = 4096

// receiveFd drains all currently available bytes from a non-blocking fd.
func (b *base) receiveFd() ([]byte, error) {
	b.rmu.Lock()
	defer b.rmu.Unlock()
	fd := b.Fd()
	if fd < 0 {
		return nil, nil
	}
	var out []byte
	buf := make([]byte, receiveChunk)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			if n < len(buf) {
				return out, nil
			}
			continue
		}
		switch err {
		case nil:
			// n == 0: end of stream (file/stdin EOF, tty gone)
			b.markNotWorking()
			return out, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return out, nil
		case unix.EBADF:
			b.closeFd()
			return out, err
		default:
			b.markNotWorking()
			return out, err
		}
	}
}

// sendFd writes all bytes, retrying EINTR. Read-only sources succeed
// silently without writing.
func (b *base) sendFd(data []byte) bool {
	if b.ReadOnly() {
		return true
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	fd := b.Fd()
	if fd < 0 {
		return false
	}
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
			continue
		}
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		return false
	}
	return true
}

// pendingFd is a cheap peek at the OS input queue length.
func (b *base) pendingFd() int {
	fd := b.Fd()
	if fd < 0 {
		return 0
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}
