package agentrun

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/reclaw/reclaw-core/internal/storage"
)

// AnthropicExecutor is an optional Executor backed by a real model
// (spec §4.5 names the execution pipeline as an injected collaborator
// and explicitly keeps the real LLM backend out of the core's scope —
// this is the one concrete, swappable implementation this module ships
// for deployments that want it; it is never required to run the test
// suite, which uses EchoExecutor).
type AnthropicExecutor struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicExecutor builds an executor calling the Anthropic Messages
// API. apiKey may be empty to fall back to the client's normal
// ANTHROPIC_API_KEY environment lookup.
func NewAnthropicExecutor(apiKey string, model anthropic.Model) *AnthropicExecutor {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &AnthropicExecutor{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// Execute sends the run's input message as a single-turn prompt and
// returns the assembled text response. Tool use, multi-turn history, and
// streaming are out of scope for the core (spec §1 "advanced ... tool
// semantics" non-goal applies to the LLM-compat HTTP routes; this
// executor mirrors that same baseline-only posture for symmetry).
func (e *AnthropicExecutor) Execute(ctx context.Context, run storage.AgentRun, emit EmitFunc) (Outcome, error) {
	msg, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 1024,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(run.InputMessage)),
		},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("anthropic executor: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	emit("agent.assistant.text", map[string]any{"runId": run.ID, "text": text})
	return Outcome{Output: text}, nil
}
