// Package proc_test provides fake spawners and process handles for use in
// tests across packages.
package proc_test

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ByteMirror/agentmux/proc"
)

// FakeHandle simulates a subprocess. Stdout serves Output; when BlockAfter
// is set the stream then blocks until Kill, mimicking a long-running agent.
type FakeHandle struct {
	Pid     int
	Output  string
	Errput  string
	Exit    int
	WaitErr error
	// BlockAfter keeps the process "running" after Output is drained until
	// Kill is called.
	BlockAfter bool
	KillErr    error

	once     sync.Once
	killOnce sync.Once
	doneOnce sync.Once
	killed   chan struct{}
	done     chan struct{}
	drained  chan struct{}
	stdout   *fakeStream

	mu        sync.Mutex
	killCalls int
}

// NewFakeHandle prepares a handle; tests may mutate fields before handing it
// to the code under test. Initialization is lazy, at first use.
func NewFakeHandle(pid int, output string, exit int) *FakeHandle {
	return &FakeHandle{Pid: pid, Output: output, Exit: exit}
}

func (h *FakeHandle) init() {
	h.once.Do(func() {
		h.killed = make(chan struct{})
		h.done = make(chan struct{})
		h.drained = make(chan struct{})
		h.stdout = &fakeStream{
			data:    []byte(h.Output),
			block:   h.BlockAfter,
			killed:  h.killed,
			drained: h.drained,
		}
	})
}

func (h *FakeHandle) PID() int {
	return h.Pid
}

func (h *FakeHandle) Stdout() io.Reader {
	h.init()
	return h.stdout
}

func (h *FakeHandle) Stderr() io.Reader {
	return strings.NewReader(h.Errput)
}

func (h *FakeHandle) Wait() error {
	h.init()
	if h.BlockAfter {
		<-h.killed
	} else {
		<-h.drained
	}
	h.doneOnce.Do(func() { close(h.done) })
	if h.WaitErr != nil {
		return h.WaitErr
	}
	if h.Exit != 0 {
		return fmt.Errorf("exit status %d", h.Exit)
	}
	return nil
}

func (h *FakeHandle) ExitCode() int {
	select {
	case <-h.done:
		return h.Exit
	default:
		return -1
	}
}

func (h *FakeHandle) Done() <-chan struct{} {
	h.init()
	return h.done
}

func (h *FakeHandle) Kill() error {
	h.init()
	h.mu.Lock()
	h.killCalls++
	h.mu.Unlock()
	if h.KillErr != nil {
		return h.KillErr
	}
	h.killOnce.Do(func() { close(h.killed) })
	return nil
}

// KillCalls reports how many times Kill was invoked.
func (h *FakeHandle) KillCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killCalls
}

// fakeStream serves data, then either EOFs or blocks until kill.
type fakeStream struct {
	mu      sync.Mutex
	data    []byte
	off     int
	block   bool
	killed  chan struct{}
	drained chan struct{}
	eof     bool
}

func (s *fakeStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.off < len(s.data) {
		n := copy(p, s.data[s.off:])
		s.off += n
		if s.off >= len(s.data) && !s.block {
			s.markDrained()
		}
		s.mu.Unlock()
		return n, nil
	}
	blocked := s.block
	s.mu.Unlock()

	if blocked {
		<-s.killed
	}
	s.mu.Lock()
	s.markDrained()
	s.mu.Unlock()
	return 0, io.EOF
}

func (s *fakeStream) markDrained() {
	if !s.eof {
		s.eof = true
		close(s.drained)
	}
}

// FakeSpawner hands out FakeHandles and records every spawn.
type FakeSpawner struct {
	// SpawnFunc overrides the default behavior when set.
	SpawnFunc func(ctx context.Context, spec proc.Spec) (proc.Handle, error)

	mu      sync.Mutex
	nextPid int
	Specs   []proc.Spec
	Handles []*FakeHandle
}

func (f *FakeSpawner) Spawn(ctx context.Context, spec proc.Spec) (proc.Handle, error) {
	if f.SpawnFunc != nil {
		return f.SpawnFunc(ctx, spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPid++
	h := &FakeHandle{Pid: 1000 + f.nextPid, BlockAfter: true}
	f.Specs = append(f.Specs, spec)
	f.Handles = append(f.Handles, h)
	return h, nil
}

// Spawned reports how many processes were started.
func (f *FakeSpawner) Spawned() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Handles)
}

var (
	_ proc.Handle  = (*FakeHandle)(nil)
	_ proc.Spawner = (*FakeSpawner)(nil)
)
