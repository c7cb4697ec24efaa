package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// PtyFactory is used to create a PTY running a command. It exists so tests
// can substitute fake terminals.
type PtyFactory interface {
	Start(cmd *exec.Cmd) (*os.File, error)
	Close()
}

type ptyFactory struct{}

func (ptyFactory) Start(cmd *exec.Cmd) (*os.File, error) {
	return pty.Start(cmd)
}

func (ptyFactory) Close() {}

// MakePtyFactory returns a PtyFactory backed by creack/pty.
func MakePtyFactory() PtyFactory {
	return ptyFactory{}
}

// PtySpawner runs the agent under a pseudo-terminal. Some agent programs
// refuse to stream output when stdout is a plain pipe; this gives them the
// terminal they ask for. The PTY merges stdout and stderr into one stream,
// exposed as Stdout.
type PtySpawner struct {
	Factory      PtyFactory
	GraceTimeout time.Duration
}

// NewPtySpawner returns a PtySpawner backed by a real PTY.
func NewPtySpawner() *PtySpawner {
	return &PtySpawner{Factory: MakePtyFactory(), GraceTimeout: defaultGraceTimeout}
}

func (s *PtySpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)

	ptmx, err := s.Factory.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("error opening PTY for %s: %w", spec.Command, err)
	}

	return &ptyHandle{
		cmd:   cmd,
		ptmx:  ptmx,
		grace: s.GraceTimeout,
		done:  make(chan struct{}),
	}, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	grace    time.Duration
	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}
}

func (h *ptyHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Stdout() io.Reader {
	return h.ptmx
}

func (h *ptyHandle) Stderr() io.Reader {
	return strings.NewReader("")
}

func (h *ptyHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.exitCode = -1
		if h.cmd.ProcessState != nil {
			h.exitCode = h.cmd.ProcessState.ExitCode()
		}
		_ = h.ptmx.Close()
		close(h.done)
	})
	<-h.done
	return h.waitErr
}

func (h *ptyHandle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *ptyHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ptyHandle) Kill() error {
	pid := h.cmd.Process.Pid
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("error signaling pid %d: %w", pid, err)
	}
	grace := h.grace
	if grace <= 0 {
		grace = defaultGraceTimeout
	}
	go func() {
		select {
		case <-h.done:
		case <-time.After(grace):
			_ = h.cmd.Process.Kill()
		}
	}()
	return nil
}
