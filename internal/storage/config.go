package storage

import (
	"database/sql"
	"fmt"
)

// GetConfig reads a single config entry, returning ok=false if absent.
func (s *Store) GetConfig(key string) (ConfigEntry, bool, error) {
	var e ConfigEntry
	e.Key = key
	row := s.db.QueryRow(`SELECT value, updated_at FROM config_entries WHERE key = ?`, key)
	if err := row.Scan(&e.Value, &e.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return ConfigEntry{}, false, nil
		}
		return ConfigEntry{}, false, fmt.Errorf("storage: get config %s: %w", key, err)
	}
	return e, true, nil
}

// PutConfig upserts a config entry.
func (s *Store) PutConfig(key, value string, updatedAt int64) error {
	_, err := s.db.Exec(`
		INSERT INTO config_entries(key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, updatedAt)
	if err != nil {
		return fmt.Errorf("storage: put config %s: %w", key, err)
	}
	return nil
}

// ListConfig returns every config entry.
func (s *Store) ListConfig() ([]ConfigEntry, error) {
	rows, err := s.db.Query(`SELECT key, value, updated_at FROM config_entries ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list config: %w", err)
	}
	defer rows.Close()

	var out []ConfigEntry
	for rows.Next() {
		var e ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan config: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
