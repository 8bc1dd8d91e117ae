package source

import (
	"os"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"golang.org/x/sys/unix"
)

// StdinPseudoPath selects standard input instead of a file.
const StdinPseudoPath = "stdin"

// File streams a regular file or stdin; EOF retires the source.
type File struct {
	base
	f *os.File
}

// NewFile creates an unopened file source; the pseudo-path "stdin" reads
// standard input.
func NewFile(path string) *File {
	kind := KindFile
	if path == StdinPseudoPath {
		kind = KindStdin
	}
	return &File{base: newBase(path, kind, true)}
}

// Open is idempotent.
func (f *File) Open(strict bool) AccessResult {
	if f.Opened() && !f.IsClosed() {
		return AccessOK
	}
	if f.kind == KindStdin {
		f.f = os.Stdin
		_ = unix.SetNonblock(int(f.f.Fd()), true)
		f.markOpened(int(f.f.Fd()))
		return AccessOK
	}
	fh, err := os.Open(f.name)
	if err != nil {
		return NotThere
	}
	f.f = fh
	f.markOpened(int(fh.Fd()))
	logging.L().Info("file_open", "path", f.name)
	return AccessOK
}

// Receive drains the file. A drain that ended on a short read is followed
// by further reads until one returns nothing, so EOF is observed (and the
// source retired) in the same call that delivered the last bytes.
func (f *File) Receive() ([]byte, error) {
	out, err := f.receiveFd()
	for err == nil && f.Working() {
		more, merr := f.receiveFd()
		out, err = append(out, more...), merr
		if len(more) == 0 {
			break
		}
	}
	return out, err
}

func (f *File) Send(data []byte) bool { return f.sendFd(data) }

// Close releases the handle; stdin itself is left open for the process.
func (f *File) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.working = false
	f.fd = -1
	f.mu.Unlock()
	if f.f != nil && f.kind != KindStdin {
		_ = f.f.Close()
	}
	f.f = nil
	f.tickle()
}

func (f *File) CheckIfDataIsPending() int { return f.pendingFd() }
