package storage

import (
	"database/sql"
	"fmt"
)

// GetSessionByKey looks up a Session by its logical session_key.
func (s *Store) GetSessionByKey(sessionKey string) (Session, bool, error) {
	var sess Session
	row := s.db.QueryRow(`
		SELECT id, session_key, agent_id, created_at, updated_at
		FROM sessions WHERE session_key = ?`, sessionKey)
	if err := row.Scan(&sess.ID, &sess.SessionKey, &sess.AgentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Session{}, false, nil
		}
		return Session{}, false, fmt.Errorf("storage: get session %s: %w", sessionKey, err)
	}
	return sess, true, nil
}

// CreateSession inserts a new Session row. Per spec §3, one Session row
// per session_key is the invariant; callers should GetSessionByKey first
// and only create on a miss (or rely on the UNIQUE constraint failing and
// retry with a re-read, which EnsureSession does).
func (s *Store) CreateSession(sess Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions(id, session_key, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.SessionKey, sess.AgentID, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: create session %s: %w", sess.SessionKey, err)
	}
	return nil
}

// EnsureSession returns the existing Session for sessionKey, or creates
// one from newSession if none exists yet. Sessions are created on first
// message referencing a new session_key and never deleted (spec §3).
func (s *Store) EnsureSession(sessionKey string, newSession Session) (Session, error) {
	if existing, ok, err := s.GetSessionByKey(sessionKey); err != nil {
		return Session{}, err
	} else if ok {
		return existing, nil
	}
	if err := s.CreateSession(newSession); err != nil {
		// Another writer may have raced us; re-read rather than fail.
		if existing, ok, rerr := s.GetSessionByKey(sessionKey); rerr == nil && ok {
			return existing, nil
		}
		return Session{}, err
	}
	return newSession, nil
}

// TouchSession bumps updated_at, used whenever a session receives activity.
func (s *Store) TouchSession(sessionKey string, updatedAt int64) error {
	_, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE session_key = ?`, updatedAt, sessionKey)
	if err != nil {
		return fmt.Errorf("storage: touch session %s: %w", sessionKey, err)
	}
	return nil
}

// ListSessionsByUpdated returns sessions most-recently-updated first.
func (s *Store) ListSessionsByUpdated(limit int) ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT id, session_key, agent_id, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.SessionKey, &sess.AgentID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
