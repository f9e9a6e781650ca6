package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// llmRunTimeout bounds how long the OpenAI-compatibility surface waits
// for the underlying AgentRun to finish before answering.
const llmRunTimeout = 60 * time.Second

// handleChatCompletions implements a baseline, non-streaming-by-default
// POST /v1/chat/completions using openai-go/v3's own wire types for
// request decode and response encode — the same package the teacher's
// pkg/providers/openai_sdk/provider.go uses as an API *client*; here it
// serves the inverse role of shaping what this gateway hands back to
// an OpenAI-compatible caller. The agent runtime's Executor still
// produces the actual content (spec §6).
func (rt *Router) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var params openai.ChatCompletionNewParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSONError(w, apierr.Invalid("malformed chat completion request"))
		return
	}
	defer r.Body.Close()

	input := lastUserMessageContent(params.Messages)
	if input == "" {
		writeJSONError(w, apierr.Invalid("messages must include a user message"))
		return
	}

	model := string(params.Model)
	sessionKey := "openai:" + uuid.NewString()
	run, err := rt.runAndWait(r.Context(), sessionKey, input)
	if err != nil {
		logger.ErrorCF("httpapi", "chat completion run failed", map[string]any{"err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to run agent"))
		return
	}

	completion := openai.ChatCompletion{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: nowUnix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{
			{
				Index:        0,
				FinishReason: "stop",
				Message: openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: run.Output,
				},
			},
		},
	}

	if params.Stream.Value {
		rt.streamChatCompletion(w, completion)
		return
	}

	writeJSON(w, http.StatusOK, completion)
}

func (rt *Router) streamChatCompletion(w http.ResponseWriter, completion openai.ChatCompletion) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)

	chunk := openai.ChatCompletionChunk{
		ID:      completion.ID,
		Object:  "chat.completion.chunk",
		Created: completion.Created,
		Model:   completion.Model,
		Choices: []openai.ChatCompletionChunkChoice{
			{
				Index:        0,
				FinishReason: "stop",
				Delta: openai.ChatCompletionChunkChoiceDelta{
					Role:    "assistant",
					Content: completion.Choices[0].Message.Content,
				},
			},
		},
	}
	writeSSE(w, chunk)
	if flusher != nil {
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

// handleResponses implements a baseline POST /v1/responses. openai-go/v3's
// Responses-API Go types are not exercised anywhere in the retrieval
// pack (only the Chat Completions client path is), so rather than guess
// at unconfirmed type/field names this endpoint mirrors the documented
// public wire shape directly — see DESIGN.md.
func (rt *Router) handleResponses(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Input  string `json:"input"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, apierr.Invalid("malformed responses request"))
		return
	}
	defer r.Body.Close()

	if req.Input == "" {
		writeJSONError(w, apierr.Invalid("input is required"))
		return
	}

	sessionKey := "openai:" + uuid.NewString()
	run, err := rt.runAndWait(r.Context(), sessionKey, req.Input)
	if err != nil {
		logger.ErrorCF("httpapi", "responses run failed", map[string]any{"err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to run agent"))
		return
	}

	resp := map[string]any{
		"id":         "resp-" + uuid.NewString(),
		"object":     "response",
		"created_at": nowUnix(),
		"model":      req.Model,
		"status":     "completed",
		"output": []map[string]any{
			{
				"type": "message",
				"role": "assistant",
				"content": []map[string]any{
					{"type": "output_text", "text": run.Output},
				},
			},
		},
	}

	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		enc, _ := json.Marshal(resp)
		fmt.Fprintf(w, "event: response.completed\ndata: %s\n\n", enc)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) runAndWait(ctx context.Context, sessionKey, input string) (runOutput, error) {
	created, err := rt.runtime.CreateRun(sessionKey, rt.cfg.HooksDefaultAgentID, input, uuid.NewString(), false)
	if err != nil {
		return runOutput{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, llmRunTimeout)
	defer cancel()
	run, err := rt.runtime.AgentWait(waitCtx, created.RunID, llmRunTimeout)
	if err != nil {
		return runOutput{}, err
	}
	return runOutput{RunID: run.ID, Output: run.Output}, nil
}

type runOutput struct {
	RunID  string
	Output string
}

func lastUserMessageContent(messages []openai.ChatCompletionMessageParamUnion) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.OfUser != nil && msg.OfUser.Content.OfString.Valid() {
			return msg.OfUser.Content.OfString.Value
		}
	}
	return ""
}

func writeSSE(w http.ResponseWriter, v any) {
	enc, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", enc)
}

func nowUnix() int64 { return time.Now().Unix() }
