// Package agent runs coding agents as subprocesses and tracks their
// lifecycle: admission through the slot pool, output metering, and
// guaranteed teardown. One Manager owns every agent in the application.
package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/ByteMirror/agentmux/proc"
	"github.com/ByteMirror/agentmux/stream"
)

// Status labels where an agent is in its lifecycle.
type Status string

const (
	// StatusQueued means the agent is waiting for a slot.
	StatusQueued Status = "queued"
	// StatusWorking means the subprocess is running.
	StatusWorking Status = "working"
	// StatusPaused marks a working agent the user set aside. The
	// subprocess keeps running; no signal is sent.
	StatusPaused Status = "paused"
	// StatusCompleted means the last run exited zero.
	StatusCompleted Status = "completed"
	// StatusError means the last run failed, was killed, or never spawned.
	StatusError Status = "error"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Metrics accumulate across every run of an agent.
type Metrics struct {
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
	ToolCalls  int     `json:"tool_calls"`
}

// Add merges other into m.
func (m *Metrics) Add(other Metrics) {
	m.TokensUsed += other.TokensUsed
	m.CostUSD += other.CostUSD
	m.DurationMS += other.DurationMS
	m.ToolCalls += other.ToolCalls
}

// Process is one live subprocess run.
type Process struct {
	PID          int       `json:"pid"`
	Status       Status    `json:"status"`
	WorkDir      string    `json:"work_dir,omitempty"`
	SessionID    string    `json:"session_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`

	handle      proc.Handle
	out         chan stream.Message
	stderrTail  chan string
	stopped     bool
	releaseOnce sync.Once
	// done closes after the run's cleanup finished: maps updated, output
	// channel closed, slot released.
	done chan struct{}
}

// Agent is one tracked agent. Identity and metrics survive across runs;
// Process is nil while idle.
type Agent struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Program      string    `json:"program"`
	WorkDir      string    `json:"work_dir,omitempty"`
	Priority     int       `json:"priority"`
	Status       Status    `json:"status"`
	Metrics      Metrics   `json:"metrics"`
	SessionID    string    `json:"session_id,omitempty"`
	Error        string    `json:"error,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Process      *Process  `json:"process,omitempty"`

	// starting guards the window between registration and process
	// installation so concurrent starts cannot double-spawn.
	starting bool
}

// Clone returns a snapshot safe to read without the manager lock.
func (a *Agent) Clone() *Agent {
	c := *a
	if a.Process != nil {
		c.Process = &Process{
			PID:          a.Process.PID,
			Status:       a.Process.Status,
			WorkDir:      a.Process.WorkDir,
			SessionID:    a.Process.SessionID,
			StartedAt:    a.Process.StartedAt,
			LastActivity: a.Process.LastActivity,
		}
	}
	return &c
}

var (
	// ErrUnknownAgent is returned for operations on an id the manager
	// does not track.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentBusy is returned when starting an agent that already has a
	// live or starting process.
	ErrAgentBusy = errors.New("agent already has a live process")
	// ErrStopping is returned to starts whose slot is granted while a
	// StopAll sweep is in progress.
	ErrStopping = errors.New("manager is stopping")
)
