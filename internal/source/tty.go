package source

import (
	"os"
	"time"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
	"golang.org/x/sys/unix"
)

// Parity for the serial line.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// baudBits maps the supported speeds to termios constants.
var baudBits = map[int]uint32{
	300:    unix.B300,
	600:    unix.B600,
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// ValidBaud reports whether the rate is in the supported set.
func ValidBaud(baud int) bool {
	_, ok := baudBits[baud]
	return ok
}

// TTY is a serial dongle or raw M-Bus line.
type TTY struct {
	base
	baud   int
	parity Parity
}

// NewTTY creates an unopened TTY source for the device path.
func NewTTY(path string, baud int, parity Parity) *TTY {
	return &TTY{base: newBase(path, KindTTY, false), baud: baud, parity: parity}
}

// openRetryDelay is the single retry backoff for a busy device node.
const openRetryDelay = time.Second

// Open configures the device for raw non-canonical reads and takes an
// exclusive advisory lock. Idempotent.
func (t *TTY) Open(strict bool) AccessResult {
	if t.Opened() && !t.IsClosed() {
		return AccessOK
	}
	if _, err := os.Stat(t.name); err != nil {
		return NotThere
	}
	fd, err := unix.Open(t.name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		// One retry; dongles re-enumerate slowly after plug-in.
		time.Sleep(openRetryDelay)
		fd, err = unix.Open(t.name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	}
	if err != nil {
		metrics.IncError(metrics.ErrSourceOpen)
		logging.L().Warn("tty_open_failed", "device", t.name, "error", err)
		return NotThere
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		logging.L().Warn("tty_locked_elsewhere", "device", t.name)
		return NotSameGroup
	}
	if err := t.configure(fd); err != nil {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = unix.Close(fd)
		metrics.IncError(metrics.ErrSourceOpen)
		logging.L().Warn("tty_configure_failed", "device", t.name, "error", err)
		if strict {
			return NotSameGroup
		}
		return NotThere
	}
	t.markOpened(fd)
	logging.L().Info("tty_open", "device", t.name, "baud", t.baud)
	return AccessOK
}

// configure applies 8 data bits, the requested parity, no flow control,
// non-canonical mode with VMIN=0/VTIME=0, at the requested speed.
func (t *TTY) configure(fd int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	speed, ok := baudBits[t.baud]
	if !ok {
		speed = unix.B9600
	}
	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CRTSCTS | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	switch t.parity {
	case ParityEven:
		tio.Cflag |= unix.PARENB
	case ParityOdd:
		tio.Cflag |= unix.PARENB | unix.PARODD
	}
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0
	tio.Ispeed = speed
	tio.Ospeed = speed
	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}

func (t *TTY) Receive() ([]byte, error) { return t.receiveFd() }
func (t *TTY) Send(data []byte) bool    { return t.sendFd(data) }
func (t *TTY) Close()                   { t.closeFd() }
func (t *TTY) CheckIfDataIsPending() int {
	return t.pendingFd()
}
