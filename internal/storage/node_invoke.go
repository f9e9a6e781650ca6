package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateNodeInvoke records an outstanding node.invoke RPC.
func (s *Store) CreateNodeInvoke(inv NodeInvoke) error {
	_, err := s.db.Exec(`
		INSERT INTO node_invokes(id, node_id, method, params, requested_at, resolved_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.NodeID, inv.Method, inv.Params, inv.RequestedAt, inv.ResolvedAt, inv.Result, inv.Error)
	if err != nil {
		return fmt.Errorf("storage: create node invoke: %w", err)
	}
	return nil
}

// GetNodeInvoke fetches an invocation by id.
func (s *Store) GetNodeInvoke(id string) (NodeInvoke, bool, error) {
	var inv NodeInvoke
	row := s.db.QueryRow(`
		SELECT id, node_id, method, params, requested_at, resolved_at, result, error
		FROM node_invokes WHERE id = ?`, id)
	if err := row.Scan(&inv.ID, &inv.NodeID, &inv.Method, &inv.Params, &inv.RequestedAt,
		&inv.ResolvedAt, &inv.Result, &inv.Error); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodeInvoke{}, false, nil
		}
		return NodeInvoke{}, false, fmt.Errorf("storage: get node invoke %s: %w", id, err)
	}
	return inv, true, nil
}

// ResolveNodeInvoke records the result (or error) of a node.invoke.result call.
func (s *Store) ResolveNodeInvoke(id string, resolvedAt int64, result, errMsg string) error {
	_, err := s.db.Exec(`
		UPDATE node_invokes SET resolved_at = ?, result = ?, error = ? WHERE id = ?`,
		resolvedAt, result, errMsg, id)
	if err != nil {
		return fmt.Errorf("storage: resolve node invoke: %w", err)
	}
	return nil
}

// CreateNodeEvent records an event emitted by a node.
func (s *Store) CreateNodeEvent(ev NodeEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO node_events(id, node_id, kind, payload, ts)
		VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.NodeID, ev.Kind, ev.Payload, ev.Ts)
	if err != nil {
		return fmt.Errorf("storage: create node event: %w", err)
	}
	return nil
}

// NodeEvents returns the most recent events for a node, newest first.
func (s *Store) NodeEvents(nodeID string, limit int) ([]NodeEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, kind, payload, ts FROM node_events
		WHERE node_id = ? ORDER BY ts DESC LIMIT ?`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: node events: %w", err)
	}
	defer rows.Close()

	var out []NodeEvent
	for rows.Next() {
		var ev NodeEvent
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.Kind, &ev.Payload, &ev.Ts); err != nil {
			return nil, fmt.Errorf("storage: scan node event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
