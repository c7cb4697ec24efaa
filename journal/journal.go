// Package journal archives orchestration events in SQLite so runs can be
// inspected after the process exits. Writes happen on the caller's
// goroutine; wrap the journal in an events.AsyncSink where the emitter
// must never block.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ByteMirror/agentmux/events"
	"github.com/ByteMirror/agentmux/log"
)

// Journal is a SQLite-backed events.Sink. Besides the raw event archive it
// maintains one row per agent run, opened on agent_started and closed by
// the first terminal event.
type Journal struct {
	db *sql.DB
}

// Open creates the database if needed and runs migrations.
func Open(dbPath string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	// WAL keeps readers from blocking the single writer.
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		agent_id TEXT,
		repo TEXT,
		branch TEXT,
		at DATETIME NOT NULL,
		fields TEXT
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		program TEXT,
		outcome TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		cost_usd REAL NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		tool_calls INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_events_agent_id ON events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
	CREATE INDEX IF NOT EXISTS idx_runs_agent_id ON runs(agent_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Emit implements events.Sink. Failures are logged, never surfaced, so a
// broken journal cannot take the orchestration core down with it.
func (j *Journal) Emit(e events.Event) {
	if err := j.Record(e); err != nil {
		log.WarningLog.Printf("journal: %s not recorded: %v", e.Type, err)
	}
}

// Record archives one event. Per-line agent output is skipped: it is too
// chatty to keep and the result metrics land on the terminal events.
func (j *Journal) Record(e events.Event) error {
	if e.Type == events.AgentOutput {
		return nil
	}

	var fieldsJSON any
	if len(e.Fields) > 0 {
		data, err := json.Marshal(e.Fields)
		if err != nil {
			return fmt.Errorf("marshal fields: %w", err)
		}
		fieldsJSON = string(data)
	}
	_, err := j.db.Exec(
		`INSERT INTO events (id, type, agent_id, repo, branch, at, fields) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.AgentID, e.Repo, e.Branch, e.At.UTC(), fieldsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	switch e.Type {
	case events.AgentStarted:
		return j.openRun(e)
	case events.AgentCompleted:
		return j.closeRun(e, "completed")
	case events.AgentStopped:
		return j.closeRun(e, "stopped")
	case events.AgentError:
		return j.closeRun(e, "error")
	}
	return nil
}

func (j *Journal) openRun(e events.Event) error {
	_, err := j.db.Exec(
		`INSERT INTO runs (id, agent_id, program, started_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.AgentID, stringField(e, "program"), e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// closeRun finishes the agent's newest open run. A terminal event with no
// open run is dropped; that happens when the journal was attached mid-run.
func (j *Journal) closeRun(e events.Event, outcome string) error {
	_, err := j.db.Exec(
		`UPDATE runs SET outcome = ?, error = ?, cost_usd = ?, tokens = ?, tool_calls = ?, ended_at = ?
		 WHERE id = (SELECT id FROM runs WHERE agent_id = ? AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1)`,
		outcome, stringField(e, "error"), floatField(e, "cost_usd"),
		intField(e, "tokens"), intField(e, "tool_calls"), e.At.UTC(), e.AgentID,
	)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

// Recent returns the newest archived events, newest first.
func (j *Journal) Recent(limit int) ([]events.Event, error) {
	return j.queryEvents(
		`SELECT id, type, agent_id, repo, branch, at, fields FROM events ORDER BY at DESC, rowid DESC LIMIT ?`,
		limit,
	)
}

// ForAgent returns the newest archived events of one agent, newest first.
func (j *Journal) ForAgent(agentID string, limit int) ([]events.Event, error) {
	return j.queryEvents(
		`SELECT id, type, agent_id, repo, branch, at, fields FROM events WHERE agent_id = ? ORDER BY at DESC, rowid DESC LIMIT ?`,
		agentID, limit,
	)
}

func (j *Journal) queryEvents(query string, args ...any) ([]events.Event, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var typ string
		var fields sql.NullString
		if err := rows.Scan(&e.ID, &typ, &e.AgentID, &e.Repo, &e.Branch, &e.At, &fields); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = events.Type(typ)
		if fields.Valid && fields.String != "" {
			if err := json.Unmarshal([]byte(fields.String), &e.Fields); err != nil {
				return nil, fmt.Errorf("unmarshal fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Run is one archived agent run.
type Run struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Program   string    `json:"program,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	CostUSD   float64   `json:"cost_usd"`
	Tokens    int64     `json:"tokens"`
	ToolCalls int       `json:"tool_calls"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// RecentRuns returns the newest runs, newest first.
func (j *Journal) RecentRuns(limit int) ([]Run, error) {
	return j.queryRuns(
		`SELECT id, agent_id, program, outcome, error, cost_usd, tokens, tool_calls, started_at, ended_at
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
}

// RunsForAgent returns every archived run of one agent, newest first.
func (j *Journal) RunsForAgent(agentID string) ([]Run, error) {
	return j.queryRuns(
		`SELECT id, agent_id, program, outcome, error, cost_usd, tokens, tool_calls, started_at, ended_at
		 FROM runs WHERE agent_id = ? ORDER BY started_at DESC, rowid DESC`,
		agentID,
	)
}

func (j *Journal) queryRuns(query string, args ...any) ([]Run, error) {
	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var program, errText sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.AgentID, &program, &r.Outcome, &errText,
			&r.CostUSD, &r.Tokens, &r.ToolCalls, &r.StartedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if program.Valid {
			r.Program = program.String
		}
		if errText.Valid {
			r.Error = errText.String
		}
		if endedAt.Valid {
			r.EndedAt = endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals aggregates every archived run.
type Totals struct {
	Runs      int     `json:"runs"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Stopped   int     `json:"stopped"`
	CostUSD   float64 `json:"cost_usd"`
	Tokens    int64   `json:"tokens"`
	ToolCalls int     `json:"tool_calls"`
}

// Totals sums cost, tokens and tool calls across all runs.
func (j *Journal) Totals() (Totals, error) {
	var t Totals
	err := j.db.QueryRow(
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'error' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'stopped' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(cost_usd), 0),
			COALESCE(SUM(tokens), 0),
			COALESCE(SUM(tool_calls), 0)
		 FROM runs`,
	).Scan(&t.Runs, &t.Completed, &t.Failed, &t.Stopped, &t.CostUSD, &t.Tokens, &t.ToolCalls)
	if err != nil {
		return Totals{}, fmt.Errorf("query totals: %w", err)
	}
	return t, nil
}

// Prune deletes events and finished runs older than before. Open runs are
// kept regardless of age.
func (j *Journal) Prune(before time.Time) (int64, error) {
	cutoff := before.UTC()
	res, err := j.db.Exec(`DELETE FROM events WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	res, err = j.db.Exec(`DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return n, fmt.Errorf("prune runs: %w", err)
	}
	rn, _ := res.RowsAffected()
	return n + rn, nil
}

func stringField(e events.Event, key string) string {
	s, _ := e.Fields[key].(string)
	return s
}

func floatField(e events.Event, key string) float64 {
	switch v := e.Fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func intField(e events.Event, key string) int64 {
	switch v := e.Fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

var _ events.Sink = (*Journal)(nil)
