// Package hooks is the Hooks Ingress (C9): a small set of HTTP routes
// that let an external source (a cron daemon, a CI webhook, a shell
// script) nudge the agent runtime without going through the WebSocket
// protocol. It has no direct teacher equivalent — grounded on the
// header/token/body-size patterns of internal/webhooks (itself adapted
// from the teacher's pkg/channels/webhook.go) for the ambient plumbing,
// and on the teacher's pkg/hooks package only for file layout/testing
// register (that package is an unrelated in-process lifecycle-hook
// mechanism for tool/LLM instrumentation, not an HTTP surface).
package hooks

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/authn"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// pendingWakeConfigKey is the config_entries key under which a
// next-heartbeat wake request's metadata is stashed, reusing the same
// config-table-as-small-state-store convention internal/webhooks uses
// for per-channel logout state.
const pendingWakeConfigKey = "hooks:pendingWake"

// Router serves the hooksPath routes. Built once at server construction;
// every field is read-only after New.
type Router struct {
	cfg     *config.Config
	store   *storage.Store
	bus     *eventbus.Bus
	runtime *agentrun.Runtime
	limiter *authn.RateLimiter
}

func New(cfg *config.Config, store *storage.Store, bus *eventbus.Bus, runtime *agentrun.Runtime) *Router {
	return &Router{cfg: cfg, store: store, bus: bus, runtime: runtime, limiter: authn.DefaultRateLimiter()}
}

// Enabled reports whether the ingress should be mounted at all (spec
// §4.8 "mounted only when hooksEnabled and hooksToken are set").
func (rt *Router) Enabled() bool {
	return rt.cfg.HooksEnabled && rt.cfg.HooksToken != ""
}

// Register mounts the wake/agent/mapped routes on mux under
// cfg.HooksPath, if the ingress is enabled. A disabled ingress mounts
// nothing, matching the "mounted only when" language rather than
// mounting routes that always 404.
func (rt *Router) Register(mux *http.ServeMux) {
	if !rt.Enabled() {
		return
	}
	base := strings.TrimSuffix(rt.cfg.HooksPath, "/")
	mux.HandleFunc("POST "+base+"/wake", rt.handleWake)
	mux.HandleFunc("POST "+base+"/agent", rt.handleAgent)
	mux.HandleFunc("POST "+base+"/{subpath...}", rt.handleMapped)
}

func (rt *Router) authenticate(r *http.Request) bool {
	token := bearerOrHeaderToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(rt.cfg.HooksToken)) == 1
}

// checkAuth enforces the per-remote rate limit before checking the hook
// token, writing the appropriate JSON error itself (spec §4.8 "rate-limit
// breach on hooks → 429"). Returns false if the request was rejected.
func (rt *Router) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if rt.limiter != nil && !rt.limiter.Allow(r.RemoteAddr) {
		writeJSONError(w, apierr.RateLimitErr("rate limit exceeded"))
		return false
	}
	if !rt.authenticate(r) {
		if rt.limiter != nil {
			rt.limiter.RecordAuthFailure(r.RemoteAddr)
		}
		writeJSONError(w, apierr.Unavail("authentication failed"))
		return false
	}
	if rt.limiter != nil {
		rt.limiter.RecordAuthSuccess(r.RemoteAddr)
	}
	return true
}

// bearerOrHeaderToken reads the hook token from Authorization: Bearer or
// X-OpenClaw-Token — never from a query parameter (spec §4.8).
func bearerOrHeaderToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-OpenClaw-Token")
}

func (rt *Router) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limit := rt.cfg.HooksMaxBodyBytes
	if limit <= 0 {
		limit = 262144
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		writeJSONError(w, apierr.Invalid("failed to read request body"))
		return nil, false
	}
	defer r.Body.Close()
	if int64(len(body)) > limit {
		writeJSONError(w, apierr.Invalid("request body exceeds hooksMaxBodyBytes"))
		return nil, false
	}
	return body, true
}

func (rt *Router) handleWake(w http.ResponseWriter, r *http.Request) {
	if !rt.checkAuth(w, r) {
		return
	}
	body, ok := rt.readBody(w, r)
	if !ok {
		return
	}

	var p struct {
		Text string `json:"text"`
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSONError(w, apierr.Invalid("malformed JSON body"))
		return
	}
	if p.Text == "" {
		writeJSONError(w, apierr.Invalid("text is required"))
		return
	}
	mode := p.Mode
	if mode == "" {
		mode = "now"
	}
	if mode != "now" && mode != "next-heartbeat" {
		writeJSONError(w, apierr.Invalid("mode must be now or next-heartbeat"))
		return
	}

	if err := rt.wake(p.Text, mode); err != nil {
		logger.ErrorCF("hooks", "wake failed", map[string]any{"mode": mode, "err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to process wake"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": mode})
}

// wake either runs the agent immediately (mode=="now") or persists
// pending-wake metadata for a future heartbeat tick to consume
// (mode=="next-heartbeat"); internal/server's heartbeat loop is the
// actual consumer of ConsumePendingWake.
func (rt *Router) wake(text, mode string) error {
	sessionKey := rt.defaultSessionKey()
	agentID := rt.defaultAgentID()

	if mode == "next-heartbeat" {
		payload, err := json.Marshal(map[string]any{
			"text":        text,
			"sessionKey":  sessionKey,
			"agentId":     agentID,
			"requestedAt": nowMillis(),
		})
		if err != nil {
			return fmt.Errorf("hooks: marshal pending wake: %w", err)
		}
		return rt.store.PutConfig(pendingWakeConfigKey, string(payload), nowMillis())
	}

	rt.bus.Publish(sessionKey, "hooks.wake", map[string]any{"text": text})
	_, err := rt.runtime.CreateRun(sessionKey, agentID, text, uuid.NewString(), false)
	return err
}

// ConsumePendingWake returns and clears the most recently recorded
// next-heartbeat wake, if any. Polled by internal/server's heartbeat
// loop on each tick.
func (rt *Router) ConsumePendingWake() (text, sessionKey, agentID string, ok bool) {
	entry, found, err := rt.store.GetConfig(pendingWakeConfigKey)
	if err != nil || !found {
		return "", "", "", false
	}
	var p struct {
		Text       string `json:"text"`
		SessionKey string `json:"sessionKey"`
		AgentID    string `json:"agentId"`
	}
	if err := json.Unmarshal([]byte(entry.Value), &p); err != nil {
		return "", "", "", false
	}
	_ = rt.store.PutConfig(pendingWakeConfigKey, "", nowMillis())
	return p.Text, p.SessionKey, p.AgentID, true
}

func (rt *Router) handleAgent(w http.ResponseWriter, r *http.Request) {
	if !rt.checkAuth(w, r) {
		return
	}
	body, ok := rt.readBody(w, r)
	if !ok {
		return
	}

	var p struct {
		Message    string `json:"message"`
		AgentID    string `json:"agentId"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSONError(w, apierr.Invalid("malformed JSON body"))
		return
	}
	if p.Message == "" {
		writeJSONError(w, apierr.Invalid("message is required"))
		return
	}
	if p.SessionKey != "" && !rt.cfg.HooksAllowRequestSessionKey {
		writeJSONError(w, apierr.Invalid("sessionKey is not permitted; set hooksAllowRequestSessionKey"))
		return
	}

	sessionKey := p.SessionKey
	if sessionKey == "" {
		sessionKey = rt.defaultSessionKey()
	}
	agentID := p.AgentID
	if agentID == "" {
		agentID = rt.defaultAgentID()
	}

	created, err := rt.runtime.CreateRun(sessionKey, agentID, p.Message, uuid.NewString(), false)
	if err != nil {
		logger.ErrorCF("hooks", "agent run failed", map[string]any{"err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to create run"))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok": true, "runId": created.RunID, "sessionKey": sessionKey, "agentId": agentID,
	})
}

func (rt *Router) handleMapped(w http.ResponseWriter, r *http.Request) {
	if !rt.checkAuth(w, r) {
		return
	}
	body, ok := rt.readBody(w, r)
	if !ok {
		return
	}

	var payload any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			writeJSONError(w, apierr.Invalid("malformed JSON body"))
			return
		}
	}

	subpath := normalizePath(r.PathValue("subpath"))
	mapping, ok := rt.findMapping(subpath, payload)
	if !ok {
		writeJSONError(w, apierr.NotFoundErr("no hooks mapping for "+subpath))
		return
	}

	message := renderTemplate(mapping.MessageTemplate, subpath, r, payload)

	sessionKey := mapping.SessionKey
	if sessionKey == "" {
		sessionKey = rt.defaultSessionKey()
	}
	agentID := mapping.AgentID
	if agentID == "" {
		agentID = rt.defaultAgentID()
	}

	switch mapping.Action {
	case "wake":
		rt.bus.Publish(sessionKey, "hooks.wake", map[string]any{"text": message})
		if _, err := rt.runtime.CreateRun(sessionKey, agentID, message, uuid.NewString(), false); err != nil {
			logger.ErrorCF("hooks", "mapped wake failed", map[string]any{"path": subpath, "err": err.Error()})
			writeJSONError(w, apierr.Unavail("failed to process wake"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "mode": "now"})
	case "agent":
		created, err := rt.runtime.CreateRun(sessionKey, agentID, message, uuid.NewString(), false)
		if err != nil {
			logger.ErrorCF("hooks", "mapped agent run failed", map[string]any{"path": subpath, "err": err.Error()})
			writeJSONError(w, apierr.Unavail("failed to create run"))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ok": true, "runId": created.RunID, "sessionKey": sessionKey, "agentId": agentID,
		})
	default:
		writeJSONError(w, apierr.Invalid("mapping has unknown action: "+mapping.Action))
	}
}

// findMapping returns the first hooksMappings entry whose normalized
// path matches subpath and whose optional matchSource (if any) matches
// the payload's top-level "source" field.
func (rt *Router) findMapping(subpath string, payload any) (config.HookMapping, bool) {
	for _, m := range rt.cfg.HooksMappings {
		if normalizePath(m.Path) != subpath {
			continue
		}
		if m.MatchSource != "" && payloadSource(payload) != m.MatchSource {
			continue
		}
		return m, true
	}
	return config.HookMapping{}, false
}

func payloadSource(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["source"].(string)
	return s
}

// normalizePath trims leading/trailing slashes and collapses repeated
// interior slashes, per spec §4.8's path-matching rule.
func normalizePath(p string) string {
	trimmed := strings.Trim(p, "/")
	for strings.Contains(trimmed, "//") {
		trimmed = strings.ReplaceAll(trimmed, "//", "/")
	}
	return trimmed
}

func (rt *Router) defaultSessionKey() string {
	if rt.cfg.HooksDefaultSessionKey != "" {
		return rt.cfg.HooksDefaultSessionKey
	}
	return "hook:" + uuid.NewString()
}

func (rt *Router) defaultAgentID() string {
	if rt.cfg.HooksDefaultAgentID != "" {
		return rt.cfg.HooksDefaultAgentID
	}
	return "main"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.Code.HTTPStatus(), map[string]any{
		"error": map[string]any{"code": err.Code, "message": err.Message},
	})
}

func nowMillis() int64 { return time.Now().UnixMilli() }
