package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func newJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func at(sec int) time.Time {
	return time.Date(2024, 6, 1, 12, 0, sec, 0, time.UTC)
}

func ev(typ events.Type, agentID string, ts time.Time) events.Event {
	e := events.New(typ).WithAgent(agentID)
	e.At = ts
	return e
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "journal.db")

	j, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	// Migrations are idempotent; reopening an existing database works.
	j, err = Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, j.Close())
}

func TestRecordArchivesEvents(t *testing.T) {
	j := newJournal(t)

	e1 := ev(events.WorktreeAllocated, "agent-1", at(1)).
		WithRepo("/repos/backend").
		WithBranch("agentmux/auth").
		WithField("path", "/tmp/wt/backend/auth")
	e2 := ev(events.FeatureCreated, "", at(2)).
		WithBranch("feat/login").
		WithField("repos", 3)
	require.NoError(t, j.Record(e1))
	require.NoError(t, j.Record(e2))

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, events.FeatureCreated, got[0].Type, "newest first")
	require.EqualValues(t, 3, got[0].Fields["repos"])
	require.Equal(t, e1.ID, got[1].ID)
	require.Equal(t, "/repos/backend", got[1].Repo)
	require.Equal(t, "agentmux/auth", got[1].Branch)
	require.Equal(t, "/tmp/wt/backend/auth", got[1].Fields["path"])
}

func TestAgentOutputNotArchived(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentOutput, "agent-1", at(1)).WithField("kind", "assistant")))

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRunLifecycleCompleted(t *testing.T) {
	j := newJournal(t)

	started := ev(events.AgentStarted, "agent-1", at(0)).
		WithField("pid", 4242).
		WithField("program", "claude")
	require.NoError(t, j.Record(started))

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "running", runs[0].Outcome)
	require.Equal(t, "claude", runs[0].Program)
	require.True(t, runs[0].EndedAt.IsZero())

	done := ev(events.AgentCompleted, "agent-1", at(5)).
		WithField("cost_usd", 0.04).
		WithField("tokens", int64(1500)).
		WithField("tool_calls", 3)
	require.NoError(t, j.Record(done))

	runs, err = j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "completed", runs[0].Outcome)
	require.InDelta(t, 0.04, runs[0].CostUSD, 1e-9)
	require.EqualValues(t, 1500, runs[0].Tokens)
	require.Equal(t, 3, runs[0].ToolCalls)
	require.WithinDuration(t, at(5), runs[0].EndedAt, time.Second)

	totals, err := j.Totals()
	require.NoError(t, err)
	require.Equal(t, 1, totals.Runs)
	require.Equal(t, 1, totals.Completed)
	require.InDelta(t, 0.04, totals.CostUSD, 1e-9)
	require.EqualValues(t, 1500, totals.Tokens)
}

func TestRunClosedByError(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentStarted, "agent-1", at(0)).WithField("program", "claude")))
	require.NoError(t, j.Record(ev(events.AgentError, "agent-1", at(3)).
		WithField("error", "agent exited with code 2").
		WithField("exit_code", 2).
		WithField("cost_usd", 0.01)))

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "error", runs[0].Outcome)
	require.Equal(t, "agent exited with code 2", runs[0].Error)
	require.InDelta(t, 0.01, runs[0].CostUSD, 1e-9)

	totals, err := j.Totals()
	require.NoError(t, err)
	require.Equal(t, 1, totals.Failed)
}

func TestRunClosedByStop(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentStarted, "agent-1", at(0))))
	require.NoError(t, j.Record(ev(events.AgentStopped, "agent-1", at(1)).
		WithField("cost_usd", 0.002).
		WithField("tokens", int64(80))))

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "stopped", runs[0].Outcome)
	require.EqualValues(t, 80, runs[0].Tokens)

	totals, err := j.Totals()
	require.NoError(t, err)
	require.Equal(t, 1, totals.Stopped)
}

func TestTerminalEventWithoutRunIsDropped(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentCompleted, "agent-1", at(1)).WithField("cost_usd", 0.5)))

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Empty(t, runs)

	totals, err := j.Totals()
	require.NoError(t, err)
	require.Equal(t, 0, totals.Runs)
}

func TestRunsForAgent(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentStarted, "a1", at(0))))
	require.NoError(t, j.Record(ev(events.AgentCompleted, "a1", at(1)).WithField("cost_usd", 0.01)))
	require.NoError(t, j.Record(ev(events.AgentStarted, "a1", at(2))))
	require.NoError(t, j.Record(ev(events.AgentStopped, "a1", at(3))))
	require.NoError(t, j.Record(ev(events.AgentStarted, "a2", at(4))))

	runs, err := j.RunsForAgent("a1")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "stopped", runs[0].Outcome, "newest first")
	require.Equal(t, "completed", runs[1].Outcome)

	all, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "a2", all[0].AgentID)
}

func TestForAgentFiltersEvents(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentStarted, "a1", at(0))))
	require.NoError(t, j.Record(ev(events.AgentStarted, "a2", at(1))))
	require.NoError(t, j.Record(ev(events.AgentCompleted, "a1", at(2))))

	got, err := j.ForAgent("a1", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		require.Equal(t, "a1", e.AgentID)
	}
}

func TestPrune(t *testing.T) {
	j := newJournal(t)
	require.NoError(t, j.Record(ev(events.AgentStarted, "old", at(0))))
	require.NoError(t, j.Record(ev(events.AgentCompleted, "old", at(1))))
	require.NoError(t, j.Record(ev(events.AgentStarted, "fresh", at(100))))
	require.NoError(t, j.Record(ev(events.AgentCompleted, "fresh", at(101))))
	// An old run that never finished must survive the prune.
	require.NoError(t, j.Record(ev(events.AgentStarted, "stuck", at(2))))

	n, err := j.Prune(at(50))
	require.NoError(t, err)
	require.EqualValues(t, 4, n, "three old events and one finished old run")

	got, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	runs, err := j.RecentRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	outcomes := map[string]string{}
	for _, r := range runs {
		outcomes[r.AgentID] = r.Outcome
	}
	require.Equal(t, "completed", outcomes["fresh"])
	require.Equal(t, "running", outcomes["stuck"])
}
