// Package agentrun owns the agent-run lifecycle: a per-session FIFO of
// AgentRuns drained by a bounded global worker pool, idempotent
// creation, cooperative cancellation, and event emission on every state
// transition (spec §4.5). The actual LLM+tool execution pipeline is an
// injected Executor; this package specifies only the lifecycle.
package agentrun

import (
	"context"

	"github.com/reclaw/reclaw-core/internal/storage"
)

// EmitFunc publishes an incremental event for a run while it executes —
// used by an Executor to stream assistant text chunks (spec §4.5
// "agent.assistant.text events").
type EmitFunc func(kind string, payload any)

// Outcome is what an Executor produces for a completed (non-cancelled,
// non-errored) run.
type Outcome struct {
	Output string
}

// Executor is the injected collaborator that actually runs a unit of
// agent work. The Runtime never retries a failed execution — a failed
// Execute call becomes a failed run (spec §4.5 "Retries are NOT
// performed by the Runtime").
type Executor interface {
	Execute(ctx context.Context, run storage.AgentRun, emit EmitFunc) (Outcome, error)
}
