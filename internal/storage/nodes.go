package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CreateNode registers a new node in the connection state the caller
// sets on node.
func (s *Store) CreateNode(node Node) error {
	_, err := s.db.Exec(`
		INSERT INTO nodes(id, name, role, connection_state, last_seen)
		VALUES (?, ?, ?, ?, ?)`,
		node.ID, node.Name, node.Role, string(node.ConnectionState), node.LastSeen)
	if err != nil {
		return fmt.Errorf("storage: create node: %w", err)
	}
	return nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(id string) (Node, bool, error) {
	var node Node
	var state string
	row := s.db.QueryRow(`SELECT id, name, role, connection_state, last_seen FROM nodes WHERE id = ?`, id)
	if err := row.Scan(&node.ID, &node.Name, &node.Role, &state, &node.LastSeen); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Node{}, false, nil
		}
		return Node{}, false, fmt.Errorf("storage: get node %s: %w", id, err)
	}
	node.ConnectionState = NodeConnectionState(state)
	return node, true, nil
}

// RenameNode updates a node's display name.
func (s *Store) RenameNode(id, name string) error {
	_, err := s.db.Exec(`UPDATE nodes SET name = ? WHERE id = ?`, name, id)
	if err != nil {
		return fmt.Errorf("storage: rename node: %w", err)
	}
	return nil
}

// SetNodeConnectionState transitions a node's pairing state and sets
// last_seen to lastSeen on every call.
func (s *Store) SetNodeConnectionState(id string, state NodeConnectionState, lastSeen int64) error {
	_, err := s.db.Exec(`UPDATE nodes SET connection_state = ?, last_seen = ? WHERE id = ?`,
		string(state), lastSeen, id)
	if err != nil {
		return fmt.Errorf("storage: set node connection state: %w", err)
	}
	return nil
}

// ListNodesByConnection returns nodes ordered with connected (paired)
// nodes first, then by last_seen descending (spec §4.9).
func (s *Store) ListNodesByConnection() ([]Node, error) {
	rows, err := s.db.Query(`
		SELECT id, name, role, connection_state, last_seen FROM nodes
		ORDER BY CASE connection_state WHEN 'paired' THEN 0 ELSE 1 END ASC, last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list nodes: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var node Node
		var state string
		if err := rows.Scan(&node.ID, &node.Name, &node.Role, &state, &node.LastSeen); err != nil {
			return nil, fmt.Errorf("storage: scan node: %w", err)
		}
		node.ConnectionState = NodeConnectionState(state)
		out = append(out, node)
	}
	return out, rows.Err()
}

// CreatePairRequest records a new pairing request in state pending.
func (s *Store) CreatePairRequest(req NodePairRequest) error {
	_, err := s.db.Exec(`
		INSERT INTO node_pair_requests(id, node_id, created_at, state, verification_code)
		VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.NodeID, req.CreatedAt, string(req.State), req.VerificationCode)
	if err != nil {
		return fmt.Errorf("storage: create pair request: %w", err)
	}
	return nil
}

// GetPairRequest fetches a pairing request by id.
func (s *Store) GetPairRequest(id string) (NodePairRequest, bool, error) {
	var req NodePairRequest
	var state string
	row := s.db.QueryRow(`
		SELECT id, node_id, created_at, state, verification_code
		FROM node_pair_requests WHERE id = ?`, id)
	if err := row.Scan(&req.ID, &req.NodeID, &req.CreatedAt, &state, &req.VerificationCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodePairRequest{}, false, nil
		}
		return NodePairRequest{}, false, fmt.Errorf("storage: get pair request %s: %w", id, err)
	}
	req.State = PairRequestState(state)
	return req, true, nil
}

// LatestPairRequestForNode returns the most recently created request for a node.
func (s *Store) LatestPairRequestForNode(nodeID string) (NodePairRequest, bool, error) {
	var req NodePairRequest
	var state string
	row := s.db.QueryRow(`
		SELECT id, node_id, created_at, state, verification_code
		FROM node_pair_requests WHERE node_id = ? ORDER BY created_at DESC LIMIT 1`, nodeID)
	if err := row.Scan(&req.ID, &req.NodeID, &req.CreatedAt, &state, &req.VerificationCode); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodePairRequest{}, false, nil
		}
		return NodePairRequest{}, false, fmt.Errorf("storage: latest pair request: %w", err)
	}
	req.State = PairRequestState(state)
	return req, true, nil
}

// SetPairRequestState moves a pairing request forward (pending → approved
// | rejected → verified).
func (s *Store) SetPairRequestState(id string, state PairRequestState) error {
	_, err := s.db.Exec(`UPDATE node_pair_requests SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("storage: set pair request state: %w", err)
	}
	return nil
}
