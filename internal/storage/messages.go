package storage

import (
	"database/sql"
	"fmt"
)

// AppendChatMessage inserts one append-only ChatMessage row. Callers are
// responsible for assigning a monotonically increasing Ts within a
// session (spec §8 invariant); this layer does not renumber.
func (s *Store) AppendChatMessage(msg ChatMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO chat_messages(id, session_key, role, text, ts)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionKey, string(msg.Role), msg.Text, msg.Ts)
	if err != nil {
		return fmt.Errorf("storage: append chat message: %w", err)
	}
	return nil
}

// LastMessageTs returns the ts of the most recent message in a session,
// or 0 if the session has no messages yet. Used to keep ts monotonic.
func (s *Store) LastMessageTs(sessionKey string) (int64, error) {
	var ts sql.NullInt64
	row := s.db.QueryRow(`SELECT MAX(ts) FROM chat_messages WHERE session_key = ?`, sessionKey)
	if err := row.Scan(&ts); err != nil {
		return 0, fmt.Errorf("storage: last message ts: %w", err)
	}
	if !ts.Valid {
		return 0, nil
	}
	return ts.Int64, nil
}

// ChatHistory returns messages for a session ordered ts ascending,
// paginated by (offset, limit).
func (s *Store) ChatHistory(sessionKey string, offset, limit int) ([]ChatMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, session_key, role, text, ts
		FROM chat_messages WHERE session_key = ?
		ORDER BY ts ASC LIMIT ? OFFSET ?`, sessionKey, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("storage: chat history: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		var m ChatMessage
		var role string
		if err := rows.Scan(&m.ID, &m.SessionKey, &role, &m.Text, &m.Ts); err != nil {
			return nil, fmt.Errorf("storage: scan chat message: %w", err)
		}
		m.Role = ChatRole(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
