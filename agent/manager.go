package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ByteMirror/agentmux/config"
	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/log"
	"github.com/ByteMirror/agentmux/pool"
	"github.com/ByteMirror/agentmux/proc"
	"github.com/ByteMirror/agentmux/stream"
)

// outputBuffer is the run channel capacity. A full channel drops messages
// rather than stalling the reader goroutine.
const outputBuffer = 256

// stderrTailLimit bounds how much stderr is kept for error reporting.
const stderrTailLimit = 64 * 1024

// StartOptions parameterize one run.
type StartOptions struct {
	// Title is a human label shown in listings.
	Title string
	// Program overrides the configured default agent command line.
	Program string
	// Prompt is passed to the program as its final argument.
	Prompt string
	// WorkDir is where the subprocess runs, typically a worktree path.
	WorkDir string
	// Priority orders slot admission; higher is served first.
	Priority int
	// Env entries are appended to the inherited environment.
	Env []string
	// Resume continues the agent's previous session when one is known.
	Resume bool
}

// Manager owns every agent: admission through the slot pool, subprocess
// spawning, output metering, and teardown.
type Manager struct {
	mu        sync.Mutex
	cfg       *config.Config
	pool      *pool.Pool
	spawner   proc.Spawner
	parser    stream.Parser
	sink      events.Sink
	now       func() time.Time
	agents    map[string]*Agent
	processes map[string]*Process
	// stopping is set for the duration of a StopAll sweep so a start whose
	// slot is granted mid-sweep aborts instead of spawning after it.
	stopping bool
}

// NewManager wires a manager from its collaborators. All dependencies are
// explicit so tests can substitute any of them.
func NewManager(cfg *config.Config, pl *pool.Pool, spawner proc.Spawner, parser stream.Parser, sink events.Sink) *Manager {
	return NewManagerWithClock(cfg, pl, spawner, parser, sink, time.Now)
}

// NewManagerWithClock is NewManager with an injected clock.
func NewManagerWithClock(cfg *config.Config, pl *pool.Pool, spawner proc.Spawner, parser stream.Parser, sink events.Sink, now func() time.Time) *Manager {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Manager{
		cfg:       cfg,
		pool:      pl,
		spawner:   spawner,
		parser:    parser,
		sink:      sink,
		now:       now,
		agents:    make(map[string]*Agent),
		processes: make(map[string]*Process),
	}
}

// StartAgent runs the agent's program in a subprocess once a slot is free.
// The returned channel carries the run's parsed output and is closed when
// the run ends; terminal state is reported via the agent's Status and the
// event sink. Starting an agent that already has a live process fails
// without side effects.
func (m *Manager) StartAgent(ctx context.Context, id string, opts StartOptions) (<-chan stream.Message, error) {
	if id == "" {
		return nil, errors.New("agent id is required")
	}

	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		a = &Agent{ID: id}
		m.agents[id] = a
	}
	if a.Process != nil || a.starting {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentBusy, id)
	}
	a.starting = true
	if opts.Title != "" {
		a.Title = opts.Title
	}
	if opts.Program != "" {
		a.Program = opts.Program
	}
	if a.Program == "" {
		a.Program = m.cfg.DefaultProgram
	}
	if opts.WorkDir != "" {
		a.WorkDir = opts.WorkDir
	}
	a.Priority = opts.Priority
	a.Status = StatusQueued
	a.EnqueuedAt = m.now()
	a.Error = ""
	spec, err := m.buildSpec(a, opts)
	m.mu.Unlock()
	if err != nil {
		m.failStart(id, err)
		return nil, err
	}

	if err := m.pool.Acquire(ctx, opts.Priority); err != nil {
		err = fmt.Errorf("acquiring run slot: %w", err)
		m.failStart(id, err)
		return nil, err
	}

	// A StopAll sweep may have begun while this start waited for its slot.
	// The sweep keeps stopping set until every in-flight start resolved, so
	// this check cannot be missed.
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		m.pool.Release()
		err := fmt.Errorf("starting %s: %w", id, ErrStopping)
		m.failStart(id, err)
		return nil, err
	}
	m.mu.Unlock()

	handle, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		m.pool.Release()
		err = fmt.Errorf("spawning %s: %w", spec.Command, err)
		m.failStart(id, err)
		m.sink.Emit(events.New(events.AgentError).WithAgent(id).WithField("error", err.Error()))
		return nil, err
	}

	now := m.now()
	p := &Process{
		PID:          handle.PID(),
		Status:       StatusWorking,
		WorkDir:      spec.Dir,
		StartedAt:    now,
		LastActivity: now,
		handle:       handle,
		out:          make(chan stream.Message, outputBuffer),
		done:         make(chan struct{}),
	}
	m.mu.Lock()
	a.Process = p
	a.starting = false
	a.Status = StatusWorking
	a.StartedAt = now
	a.LastActivity = now
	m.processes[id] = p
	m.mu.Unlock()

	log.InfoLog.Printf("started agent %s (pid %d) in %s", id, p.PID, spec.Dir)
	m.sink.Emit(events.New(events.AgentStarted).
		WithAgent(id).
		WithField("pid", p.PID).
		WithField("program", spec.Command))

	go m.consume(id, p)
	return p.out, nil
}

// failStart records a start that never produced a process.
func (m *Manager) failStart(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return
	}
	a.starting = false
	a.Status = StatusError
	a.Error = err.Error()
}

// buildSpec turns the agent's program line and options into a process spec.
// Caller holds the manager lock.
func (m *Manager) buildSpec(a *Agent, opts StartOptions) (proc.Spec, error) {
	fields := strings.Fields(a.Program)
	if len(fields) == 0 {
		return proc.Spec{}, errors.New("agent program is empty")
	}
	args := append([]string(nil), fields[1:]...)
	if m.cfg.SkipPermissions && strings.HasPrefix(fields[0], "claude") {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Resume && a.SessionID != "" {
		args = append(args, "--resume", a.SessionID)
	}
	if opts.Prompt != "" {
		args = append(args, opts.Prompt)
	}
	return proc.Spec{
		Command: fields[0],
		Args:    args,
		Dir:     a.WorkDir,
		Env:     opts.Env,
	}, nil
}

// consume reads one run's output to completion. Every terminal path,
// including a panic in metering, funnels through finishRun.
func (m *Manager) consume(id string, p *Process) {
	var runErr error
	defer func() { m.finishRun(id, p, runErr) }()

	// Stderr must be drained too or a chatty child can wedge on a full
	// pipe before we ever reach Wait. Output past the kept tail is read
	// and discarded for the same reason.
	stderrCh := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(io.LimitReader(p.handle.Stderr(), stderrTailLimit))
		_, _ = io.Copy(io.Discard, p.handle.Stderr())
		stderrCh <- string(b)
	}()
	p.stderrTail = stderrCh

	ms := m.parser.NewStream(p.handle.Stdout())
	for {
		msg, err := ms.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			runErr = fmt.Errorf("reading agent output: %w", err)
			return
		}
		m.meter(id, p, msg)
	}
}

// meter applies one parsed message to the agent's metrics and forwards it.
func (m *Manager) meter(id string, p *Process, msg stream.Message) {
	now := m.now()
	m.mu.Lock()
	a, ok := m.agents[id]
	if ok {
		a.LastActivity = now
		a.Metrics.CostUSD += msg.CostUSD
		switch msg.Kind {
		case stream.KindToolUse:
			a.Metrics.ToolCalls++
		case stream.KindResult:
			// Result lines carry the run's cumulative usage; counting
			// per-turn assistant usage as well would double-book.
			a.Metrics.TokensUsed += msg.Tokens.Total()
		}
		if msg.SessionID != "" {
			a.SessionID = msg.SessionID
			p.SessionID = msg.SessionID
		}
	}
	p.LastActivity = now
	m.mu.Unlock()

	select {
	case p.out <- msg:
	default:
		log.WarningLog.Printf("agent %s: output channel full, dropping %s message", id, msg.Kind)
	}

	ev := events.New(events.AgentOutput).WithAgent(id).WithField("kind", string(msg.Kind))
	if msg.ToolName != "" {
		ev = ev.WithField("tool", msg.ToolName)
	}
	m.sink.Emit(ev)
}

// finishRun awaits the exit and performs the one guaranteed cleanup:
// terminal status recorded, process unregistered, output channel closed,
// slot released exactly once.
func (m *Manager) finishRun(id string, p *Process, runErr error) {
	// Pipe reads must finish before Wait; os/exec invalidates the pipes on
	// Wait, which would truncate the stderr tail mid-read.
	var stderrTail string
	if p.stderrTail != nil {
		stderrTail = <-p.stderrTail
	}
	waitErr := p.handle.Wait()
	exit := p.handle.ExitCode()
	now := m.now()

	status := StatusCompleted
	var failure string
	switch {
	case runErr != nil:
		status = StatusError
		failure = runErr.Error()
	case exit != 0:
		status = StatusError
		failure = fmt.Sprintf("agent exited with code %d", exit)
		if waitErr != nil && exit == -1 {
			failure = fmt.Sprintf("agent terminated: %v", waitErr)
		}
		if tail := strings.TrimSpace(stderrTail); tail != "" {
			failure = fmt.Sprintf("%s: %s", failure, lastLine(tail))
		}
	}

	m.mu.Lock()
	var metrics Metrics
	stopRequested := p.stopped
	if a, ok := m.agents[id]; ok {
		a.Metrics.DurationMS += now.Sub(p.StartedAt).Milliseconds()
		a.Status = status
		a.Error = failure
		a.CompletedAt = now
		a.LastActivity = now
		a.Process = nil
		metrics = a.Metrics
	}
	p.Status = status
	delete(m.processes, id)
	m.mu.Unlock()

	close(p.out)
	p.releaseOnce.Do(m.pool.Release)
	close(p.done)

	switch {
	case status == StatusCompleted:
		log.InfoLog.Printf("agent %s completed (pid %d, %.4f USD, %d tokens)", id, p.PID, metrics.CostUSD, metrics.TokensUsed)
		m.sink.Emit(events.New(events.AgentCompleted).
			WithAgent(id).
			WithField("cost_usd", metrics.CostUSD).
			WithField("tokens", metrics.TokensUsed).
			WithField("tool_calls", metrics.ToolCalls))
	case stopRequested:
		log.InfoLog.Printf("agent %s stopped (pid %d)", id, p.PID)
	default:
		log.ErrorLog.Printf("agent %s failed: %s", id, failure)
		m.sink.Emit(events.New(events.AgentError).
			WithAgent(id).
			WithField("error", failure).
			WithField("exit_code", exit).
			WithField("cost_usd", metrics.CostUSD).
			WithField("tokens", metrics.TokensUsed).
			WithField("tool_calls", metrics.ToolCalls))
	}
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// StopAgent kills the agent's live run and waits for its cleanup. Stopping
// an idle agent is a no-op; an unknown id is an error.
func (m *Manager) StopAgent(id string) error {
	m.mu.Lock()
	_, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	p := m.processes[id]
	if p != nil {
		p.stopped = true
	}
	m.mu.Unlock()
	if p == nil {
		return nil
	}

	if err := p.handle.Kill(); err != nil {
		log.WarningLog.Printf("killing agent %s: %v", id, err)
	}
	<-p.done
	m.sink.Emit(m.stoppedEvent(id))
	return nil
}

// stoppedEvent carries the agent's final metrics so sinks archiving runs
// see what a killed run cost.
func (m *Manager) stoppedEvent(id string) events.Event {
	m.mu.Lock()
	var metrics Metrics
	if a, ok := m.agents[id]; ok {
		metrics = a.Metrics
	}
	m.mu.Unlock()
	return events.New(events.AgentStopped).
		WithAgent(id).
		WithField("cost_usd", metrics.CostUSD).
		WithField("tokens", metrics.TokensUsed).
		WithField("tool_calls", metrics.ToolCalls)
}

// PauseAgent marks a working agent paused. The subprocess keeps running;
// only the scheduling label changes.
func (m *Manager) PauseAgent(id string) error {
	if err := m.relabel(id, StatusWorking, StatusPaused); err != nil {
		return err
	}
	m.sink.Emit(events.New(events.AgentPaused).WithAgent(id))
	return nil
}

// ResumeAgent returns a paused agent to working.
func (m *Manager) ResumeAgent(id string) error {
	if err := m.relabel(id, StatusPaused, StatusWorking); err != nil {
		return err
	}
	m.sink.Emit(events.New(events.AgentResumed).WithAgent(id))
	return nil
}

func (m *Manager) relabel(id string, from, to Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if a.Process == nil || a.Status != from {
		return fmt.Errorf("agent %s is %s, not %s", id, a.Status, from)
	}
	a.Status = to
	a.Process.Status = to
	return nil
}

// StopAll rejects everything still queued, then kills every live run and
// waits for each cleanup. Individual failures are collected; the sweep
// never aborts. The sweep repeats until no run is live and no start is in
// flight, so a start that slipped past the queue clear is still caught:
// it either aborts on the stopping flag or lands in a later pass.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.stopping = false
		m.mu.Unlock()
	}()

	m.pool.ClearQueue()

	var errs []error
	stopped := 0
	for {
		m.mu.Lock()
		procs := make(map[string]*Process, len(m.processes))
		for id, p := range m.processes {
			p.stopped = true
			procs[id] = p
		}
		inflight := 0
		for _, a := range m.agents {
			if a.starting {
				inflight++
			}
		}
		m.mu.Unlock()

		if len(procs) == 0 {
			if inflight == 0 {
				break
			}
			time.Sleep(2 * time.Millisecond)
			continue
		}

		var wg sync.WaitGroup
		errCh := make(chan error, len(procs))
		for id, p := range procs {
			wg.Add(1)
			go func(id string, p *Process) {
				defer wg.Done()
				if err := p.handle.Kill(); err != nil {
					errCh <- fmt.Errorf("killing agent %s: %w", id, err)
				}
				<-p.done
				m.sink.Emit(m.stoppedEvent(id))
			}(id, p)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			errs = append(errs, err)
		}
		stopped += len(procs)
	}

	if stopped > 0 {
		log.InfoLog.Printf("stopped %d agent(s)", stopped)
	}
	return errors.Join(errs...)
}

// GetAgent returns a snapshot of one agent.
func (m *Manager) GetAgent(id string) (*Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// ListAgents returns snapshots of every agent, oldest first.
func (m *Manager) ListAgents() []*Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	return out
}

// AgentMetrics returns one agent's cumulative metrics.
func (m *Manager) AgentMetrics(id string) (Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return Metrics{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a.Metrics, nil
}

// TotalMetrics sums metrics across all agents.
func (m *Manager) TotalMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total Metrics
	for _, a := range m.agents {
		total.Add(a.Metrics)
	}
	return total
}

// PoolStats exposes the slot pool's counters.
func (m *Manager) PoolStats() pool.Stats {
	return m.pool.Stats()
}
