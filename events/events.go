// Package events defines the domain notifications emitted by the
// orchestration core. Emission is fire-and-forget: sinks must never block
// the caller, and the core never waits on acknowledgement.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	AgentStarted   Type = "agent_started"
	AgentOutput    Type = "agent_output"
	AgentCompleted Type = "agent_completed"
	AgentError     Type = "agent_error"
	AgentPaused    Type = "agent_paused"
	AgentResumed   Type = "agent_resumed"
	AgentStopped   Type = "agent_stopped"

	WorktreeAllocated     Type = "worktree_allocated"
	WorktreeReleased      Type = "worktree_released"
	WorktreeStaleReleased Type = "worktree_stale_released"

	FeatureCreated  Type = "feature_created"
	FeatureReleased Type = "feature_released"
	CommitCreated   Type = "commit_created"
)

// Event is a single domain notification.
type Event struct {
	ID      string         `json:"id"`
	Type    Type           `json:"type"`
	AgentID string         `json:"agent_id,omitempty"`
	Repo    string         `json:"repo,omitempty"`
	Branch  string         `json:"branch,omitempty"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(t Type) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: t,
		At:   time.Now(),
	}
}

// WithAgent sets the agent id.
func (e Event) WithAgent(id string) Event {
	e.AgentID = id
	return e
}

// WithRepo sets the repository path.
func (e Event) WithRepo(repo string) Event {
	e.Repo = repo
	return e
}

// WithBranch sets the branch name.
func (e Event) WithBranch(branch string) Event {
	e.Branch = branch
	return e
}

// WithField attaches one extra key/value pair.
func (e Event) WithField(key string, value any) Event {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// Sink receives events. Emit must not block.
type Sink interface {
	Emit(Event)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}
