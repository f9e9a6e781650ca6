// Package protocol implements the Reclaw RPC wire frames over WebSocket:
// request/response correlation, server-push events, capability
// negotiation, and the version-3 handshake gate (spec §4.1).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/reclaw/reclaw-core/internal/apierr"
)

// Version is the only protocol version this gateway accepts at connect.
const Version = 3

// MaxFrameBytes bounds a single inbound WebSocket text message. Frames
// larger than this are rejected before reaching the dispatcher.
const MaxFrameBytes = 1 << 20 // 1 MiB

// FrameType discriminates the three frame shapes on the wire.
type FrameType string

const (
	TypeRequest  FrameType = "req"
	TypeResponse FrameType = "res"
	TypeEvent    FrameType = "evt"
)

// Frame is the envelope for every message exchanged over the socket.
// Exactly one of the request/response/event fields is meaningful,
// selected by Type.
type Frame struct {
	Type FrameType `json:"type"`

	// Request fields.
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields. ID mirrors the request's ID; Ok mirrors whether
	// Payload or Error is set.
	Ok      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *WireError `json:"error,omitempty"`

	// Event fields.
	Name string `json:"name,omitempty"`
}

// WireError is the client-visible shape of an apierr.Error.
type WireError struct {
	Code    apierr.Code `json:"code"`
	Message string      `json:"message"`
	Details any         `json:"details,omitempty"`
}

// ConnectParams is the params payload of the mandatory first "connect" request.
// Protocol is optional; when a client supplies it, the handshake rejects
// anything other than Version (spec §4.1). Clients that omit it are
// assumed to speak Version, since the field isn't named among the
// required connect fields the external interface section enumerates.
type ConnectParams struct {
	Role         string   `json:"role"`
	Token        string   `json:"token,omitempty"`
	Password     string   `json:"password,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Protocol     int      `json:"protocol,omitempty"`
}

// ConnectResult is returned on a successful connect.
type ConnectResult struct {
	ImplementedMethods []string `json:"implementedMethods"`
	Capabilities       []string `json:"capabilities"`
	Protocol           int      `json:"protocol"`
}

// AdvertisedCapabilities is the full set of capabilities the server can
// negotiate. "agent-events-v1" gates push delivery of agent/chat events.
var AdvertisedCapabilities = []string{"agent-events-v1"}

// DecodeFrame parses a single inbound WebSocket message into a Frame,
// enforcing the max-frame-size bound and rejecting malformed JSON before
// the dispatcher ever sees it (spec §4.1).
func DecodeFrame(data []byte) (*Frame, *apierr.Error) {
	if len(data) > MaxFrameBytes {
		return nil, apierr.Invalid("frame exceeds maximum size")
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, apierr.Invalid("malformed JSON frame")
	}
	return &f, nil
}

// NewResponse builds a successful "res" frame.
func NewResponse(id string, payload any) Frame {
	return Frame{Type: TypeResponse, ID: id, Ok: true, Payload: payload}
}

// NewErrorResponse builds a failed "res" frame from an apierr.Error.
func NewErrorResponse(id string, err *apierr.Error) Frame {
	return Frame{
		Type: TypeResponse,
		ID:   id,
		Ok:   false,
		Error: &WireError{
			Code:    err.Code,
			Message: err.Message,
			Details: err.Details,
		},
	}
}

// NewEvent builds a server-pushed "evt" frame.
func NewEvent(name string, payload any) Frame {
	return Frame{Type: TypeEvent, Name: name, Payload: payload}
}

// ParseConnectParams unmarshals and validates the connect request's shape.
func ParseConnectParams(raw json.RawMessage) (*ConnectParams, *apierr.Error) {
	var p ConnectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, apierr.Invalid(fmt.Sprintf("invalid connect params: %v", err))
	}
	if p.Role != "operator" && p.Role != "node" {
		return nil, apierr.Invalid("connect params.role must be \"operator\" or \"node\"")
	}
	return &p, nil
}
