package proc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ByteMirror/agentmux/log"
)

const defaultGraceTimeout = 5 * time.Second

// ExecSpawner spawns subprocesses with os/exec, stdout/stderr piped.
type ExecSpawner struct {
	// GraceTimeout is how long Kill waits between the polite termination
	// signal and the forced one.
	GraceTimeout time.Duration
}

// NewExecSpawner returns an ExecSpawner with the default grace period.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{GraceTimeout: defaultGraceTimeout}
}

func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting %s: %w", spec.Command, err)
	}
	log.DebugLog.Printf("spawned %s pid=%d dir=%s", spec.Command, cmd.Process.Pid, spec.Dir)

	return &execHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		grace:  s.GraceTimeout,
		done:   make(chan struct{}),
	}, nil
}

type execHandle struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser
	grace  time.Duration

	waitOnce sync.Once
	waitErr  error
	exitCode int
	done     chan struct{}
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *execHandle) Stderr() io.Reader {
	return h.stderr
}

func (h *execHandle) Wait() error {
	h.waitOnce.Do(func() {
		h.waitErr = h.cmd.Wait()
		h.exitCode = -1
		if h.cmd.ProcessState != nil {
			h.exitCode = h.cmd.ProcessState.ExitCode()
		}
		close(h.done)
	})
	<-h.done
	return h.waitErr
}

func (h *execHandle) ExitCode() int {
	select {
	case <-h.done:
		return h.exitCode
	default:
		return -1
	}
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

// Kill terminates the whole process group: polite signal first, forced kill
// after the grace period if the process is still around.
func (h *execHandle) Kill() error {
	pid := h.cmd.Process.Pid
	if err := terminate(pid); err != nil {
		// Process may already be gone; escalation below still runs so a
		// half-dead group doesn't linger.
		log.DebugLog.Printf("terminate pid=%d: %v", pid, err)
	}

	grace := h.grace
	if grace <= 0 {
		grace = defaultGraceTimeout
	}
	go func() {
		select {
		case <-h.done:
		case <-time.After(grace):
			if err := forceKill(pid); err != nil {
				log.DebugLog.Printf("force kill pid=%d: %v", pid, err)
			}
		}
	}()
	return nil
}
