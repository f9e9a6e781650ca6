package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrIdempotencyConflict is returned by CreateAgentRun when a non-terminal
// run already exists for (session_key, idempotency_key); the caller
// should look that run up and return its id instead of creating a new one
// (spec §4.4 chat.send "at-most-once side effects").
var ErrIdempotencyConflict = errors.New("storage: idempotency key already has a non-terminal run")

// CreateAgentRun inserts a new AgentRun in state queued. The partial
// unique index on (session_key, idempotency_key) for non-terminal states
// is the storage-level authority backing the Agent Runtime's in-memory
// idempotency cache (spec §4.5): on a cache miss this call is itself the
// race-free check.
func (s *Store) CreateAgentRun(run AgentRun) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_runs(
			id, session_key, agent_id, state, deferred, created_at,
			started_at, finished_at, idempotency_key, input_message, output, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionKey, run.AgentID, string(run.State), boolToInt(run.Deferred),
		run.CreatedAt, run.StartedAt, run.FinishedAt, run.IdempotencyKey, run.InputMessage, run.Output, run.Error)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("storage: create agent run: %w", err)
	}
	return nil
}

// FindNonTerminalRunByIdempotencyKey looks up an existing non-terminal
// run for (session_key, idempotency_key), used by the Agent Runtime on
// an idempotency-cache miss and after a unique-index conflict.
func (s *Store) FindNonTerminalRunByIdempotencyKey(sessionKey, idempotencyKey string) (AgentRun, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, session_key, agent_id, state, deferred, created_at,
		       started_at, finished_at, idempotency_key, input_message, output, error
		FROM agent_runs
		WHERE session_key = ? AND idempotency_key = ? AND state IN ('queued','running')
		LIMIT 1`, sessionKey, idempotencyKey)
	run, err := scanAgentRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRun{}, false, nil
		}
		return AgentRun{}, false, fmt.Errorf("storage: find run by idempotency key: %w", err)
	}
	return run, true, nil
}

// GetAgentRun fetches a single run by id.
func (s *Store) GetAgentRun(id string) (AgentRun, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, session_key, agent_id, state, deferred, created_at,
		       started_at, finished_at, idempotency_key, input_message, output, error
		FROM agent_runs WHERE id = ?`, id)
	run, err := scanAgentRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRun{}, false, nil
		}
		return AgentRun{}, false, fmt.Errorf("storage: get agent run %s: %w", id, err)
	}
	return run, true, nil
}

// RunningRunForSession returns the single run in state running for a
// session, if any — enforcing by read the invariant that at most one
// exists (the write-side guarantee lives in the Agent Runtime's
// per-session lock; this is the read-side check).
func (s *Store) RunningRunForSession(sessionKey string) (AgentRun, bool, error) {
	row := s.db.QueryRow(`
		SELECT id, session_key, agent_id, state, deferred, created_at,
		       started_at, finished_at, idempotency_key, input_message, output, error
		FROM agent_runs WHERE session_key = ? AND state = 'running' LIMIT 1`, sessionKey)
	run, err := scanAgentRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentRun{}, false, nil
		}
		return AgentRun{}, false, fmt.Errorf("storage: running run for session: %w", err)
	}
	return run, true, nil
}

// NonTerminalRunsForSession returns every queued or running run for a
// session, used by chat.abort{sessionKey} (no runId given).
func (s *Store) NonTerminalRunsForSession(sessionKey string) ([]AgentRun, error) {
	rows, err := s.db.Query(`
		SELECT id, session_key, agent_id, state, deferred, created_at,
		       started_at, finished_at, idempotency_key, input_message, output, error
		FROM agent_runs WHERE session_key = ? AND state IN ('queued','running')
		ORDER BY created_at ASC`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("storage: non-terminal runs: %w", err)
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

// TransitionRun moves a run to a new state, recording startedAt/finishedAt
// and errMsg as applicable. State transitions only ever move forward
// (spec §3 Lifecycle rules); this layer does not validate the DAG itself
// — that is the Agent Runtime's responsibility under its per-run lock —
// but it does refuse to write onto an already-terminal row, since no
// caller should ever legitimately attempt that.
func (s *Store) TransitionRun(id string, newState RunState, startedAt, finishedAt *int64, errMsg string) error {
	res, err := s.db.Exec(`
		UPDATE agent_runs
		SET state = ?, started_at = COALESCE(?, started_at), finished_at = COALESCE(?, finished_at), error = ?
		WHERE id = ? AND state NOT IN ('completed','failed','aborted')`,
		string(newState), startedAt, finishedAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("storage: transition run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: transition run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("storage: transition run %s: no non-terminal row matched", id)
	}
	return nil
}

// SetAgentRunOutput records the assembled Executor output for a run,
// read back by agent.wait (spec §4.4 "on completion returns
// {state:"completed", output:"…"}").
func (s *Store) SetAgentRunOutput(id, output string) error {
	_, err := s.db.Exec(`UPDATE agent_runs SET output = ? WHERE id = ?`, output, id)
	if err != nil {
		return fmt.Errorf("storage: set agent run output %s: %w", id, err)
	}
	return nil
}

func scanAgentRun(row *sql.Row) (AgentRun, error) {
	var run AgentRun
	var state string
	var deferred int
	if err := row.Scan(&run.ID, &run.SessionKey, &run.AgentID, &state, &deferred, &run.CreatedAt,
		&run.StartedAt, &run.FinishedAt, &run.IdempotencyKey, &run.InputMessage, &run.Output, &run.Error); err != nil {
		return AgentRun{}, err
	}
	run.State = RunState(state)
	run.Deferred = deferred != 0
	return run, nil
}

func scanAgentRuns(rows *sql.Rows) ([]AgentRun, error) {
	var out []AgentRun
	for rows.Next() {
		var run AgentRun
		var state string
		var deferred int
		if err := rows.Scan(&run.ID, &run.SessionKey, &run.AgentID, &state, &deferred, &run.CreatedAt,
			&run.StartedAt, &run.FinishedAt, &run.IdempotencyKey, &run.InputMessage, &run.Output, &run.Error); err != nil {
			return nil, fmt.Errorf("storage: scan agent run: %w", err)
		}
		run.State = RunState(state)
		run.Deferred = deferred != 0
		out = append(out, run)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation detects SQLite's "UNIQUE constraint failed" error
// text; modernc.org/sqlite doesn't expose a typed sentinel for this.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
