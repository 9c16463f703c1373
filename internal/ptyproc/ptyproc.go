// Package ptyproc is the PTY adapter: it owns spawning a child process
// attached to a pseudo-terminal, resizing it, writing to it with a timeout,
// and terminating it. It knows nothing about sessions, detection, or
// approval — just the PTY leaf of the dependency chain.
package ptyproc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// ErrWriteTimeout is returned by Write when the child is not draining its
// stdin and the kernel PTY buffer fills up, so a plain write would block
// forever.
var ErrWriteTimeout = errors.New("ptyproc: write timed out")

// Proc owns one PTY-attached child process.
type Proc struct {
	ptm *os.File
	cmd *exec.Cmd

	writeMu sync.Mutex
}

// Start spawns command with args in dir, attached to a new PTY of the given
// size. extraEnv entries override the parent environment's entries of the
// same key; all other parent environment variables are inherited.
func Start(command string, args []string, dir string, rows, cols int, extraEnv map[string]string) (*Proc, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = dir
	cmd.Env = mergeEnv(os.Environ(), extraEnv)

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyproc: start %q: %w", command, err)
	}
	return &Proc{ptm: ptm, cmd: cmd}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(extra))
	for _, e := range base {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if _, override := extra[key]; !override {
			env = append(env, e)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// Read reads raw child output. It blocks until data is available, the
// child exits, or the PTY is closed.
func (p *Proc) Read(buf []byte) (int, error) {
	return p.ptm.Read(buf)
}

// Write forwards data verbatim to the child's PTY master, giving up after
// timeout if the write has not completed (the child's stdin buffer is
// full and it isn't reading).
func (p *Proc) Write(data []byte, timeout time.Duration) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := p.ptm.Write(data)
		ch <- result{n, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-timer.C:
		return 0, ErrWriteTimeout
	}
}

// Resize updates the PTY window size.
func (p *Proc) Resize(rows, cols int) error {
	return pty.Setsize(p.ptm, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Signal sends sig to the child process, if still running.
func (p *Proc) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Kill sends SIGKILL to the child process.
func (p *Proc) Kill() {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
}

// Wait blocks until the child exits and returns its exit error, if any.
// It also closes the PTY master.
func (p *Proc) Wait() error {
	err := p.cmd.Wait()
	p.ptm.Close()
	return err
}

// Stop sends SIGTERM and, if the child has not exited within grace, SIGKILL.
// It does not itself wait for exit; pair with Wait in a goroutine.
func (p *Proc) Stop(grace time.Duration, exited <-chan struct{}) {
	p.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(grace):
		p.Kill()
	}
}
