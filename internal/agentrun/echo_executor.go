package agentrun

import (
	"context"
	"fmt"

	"github.com/reclaw/reclaw-core/internal/storage"
)

// EchoExecutor is the default Executor: it performs no network calls and
// simply echoes the run's input message back as output. This matches
// the source's open question that the real agent runtime is "stubbed
// echo" (spec §9 Open Questions) — every test in this module and the
// default CLI configuration use this Executor.
type EchoExecutor struct{}

// Execute emits one assistant-text chunk and returns it as the Outcome.
func (EchoExecutor) Execute(ctx context.Context, run storage.AgentRun, emit EmitFunc) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	default:
	}
	text := fmt.Sprintf("echo: %s", run.InputMessage)
	emit("agent.assistant.text", map[string]any{"runId": run.ID, "text": text})
	return Outcome{Output: text}, nil
}
