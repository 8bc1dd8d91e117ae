package source

import (
	"os"
	"os/exec"

	"github.com/kstaniek/go-wmbus-server/internal/logging"
	"github.com/kstaniek/go-wmbus-server/internal/metrics"
	"golang.org/x/sys/unix"
)

// Command runs a helper program (e.g. a dongle vendor tool) and streams
// its stdout. The source is read-only: Send succeeds without writing.
type Command struct {
	base
	prog string
	args []string
	env  []string

	cmd *exec.Cmd
	out *os.File
}

// NewCommand creates an unopened subprocess source.
func NewCommand(prog string, args, env []string) *Command {
	return &Command{base: newBase(prog, KindSubprocess, true), prog: prog, args: args, env: env}
}

// Open starts the child with a pipe on stdout. Idempotent.
func (c *Command) Open(strict bool) AccessResult {
	if c.Opened() && !c.IsClosed() {
		return AccessOK
	}
	if _, err := exec.LookPath(c.prog); err != nil {
		return NotThere
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		metrics.IncError(metrics.ErrSourceOpen)
		return NotThere
	}
	cmd := exec.Command(c.prog, c.args...)
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	cmd.Stdout = pw
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		metrics.IncError(metrics.ErrSourceOpen)
		logging.L().Warn("subprocess_start_failed", "prog", c.prog, "error", err)
		return NotThere
	}
	_ = pw.Close() // child keeps the write end
	_ = unix.SetNonblock(int(pr.Fd()), true)
	c.cmd = cmd
	c.out = pr
	c.markOpened(int(pr.Fd()))
	logging.L().Info("subprocess_open", "prog", c.prog, "pid", cmd.Process.Pid)

	// Observe child exit; the manager's sweep then retires the source.
	go func() {
		err := cmd.Wait()
		if err != nil {
			logging.L().Warn("subprocess_exit", "prog", c.prog, "error", err)
		} else {
			logging.L().Info("subprocess_exit", "prog", c.prog)
		}
		c.markNotWorking()
	}()
	return AccessOK
}

func (c *Command) Receive() ([]byte, error) { return c.receiveFd() }
func (c *Command) Send(data []byte) bool    { return c.sendFd(data) }

// Close kills the child and releases the pipe. The fd is owned by the
// os.File, so it is closed through the handle rather than closeFd.
func (c *Command) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.working = false
	c.fd = -1
	c.mu.Unlock()
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	if c.out != nil {
		_ = c.out.Close()
		c.out = nil
	}
	c.tickle()
}

func (c *Command) CheckIfDataIsPending() int { return c.pendingFd() }
