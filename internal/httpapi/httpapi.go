// Package httpapi is the HTTP Surface (C10): health/readiness/info, the
// WebSocket upgrade mount, the channel webhook and hooks ingress route
// tables, and the OpenAI-compatibility pass-through. Grounded on the
// teacher's pkg/gateway/server.go, which builds exactly this kind of
// single http.ServeMux wiring health/ready/websocket routes together.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/authn"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/connmgr"
	"github.com/reclaw/reclaw-core/internal/dispatcher"
	"github.com/reclaw/reclaw-core/internal/hooks"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/internal/webhooks"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// Router wires every HTTP route this gateway serves onto a single mux.
type Router struct {
	cfg     *config.Config
	store   *storage.Store
	auth    *authn.Authenticator
	runtime *agentrun.Runtime
	connMgr *connmgr.Manager
	disp    *dispatcher.Dispatcher
	wh      *webhooks.Router
	hk      *hooks.Router
	version string
}

func New(cfg *config.Config, store *storage.Store, auth *authn.Authenticator, runtime *agentrun.Runtime,
	connMgr *connmgr.Manager, disp *dispatcher.Dispatcher, wh *webhooks.Router, hk *hooks.Router, version string) *Router {
	return &Router{
		cfg: cfg, store: store, auth: auth, runtime: runtime,
		connMgr: connMgr, disp: disp, wh: wh, hk: hk, version: version,
	}
}

// Mount registers every route named in spec §6 on mux.
func (rt *Router) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", rt.handleHealthz)
	mux.HandleFunc("GET /readyz", rt.handleReadyz)
	mux.HandleFunc("GET /info", rt.handleInfo)

	mux.HandleFunc("GET /ws", rt.handleWebSocket)
	mux.HandleFunc("GET /{$}", rt.handleWebSocket)

	mux.HandleFunc("POST /channels/inbound", rt.wh.HandleChannelInbound)
	mux.HandleFunc("POST /channels/{channel}/inbound", rt.wh.HandleChannelInbound)
	mux.HandleFunc("POST /channels/{channel}/webhook", rt.wh.HandleChannelWebhook)
	mux.HandleFunc("POST /channels/telegram/webhook", rt.wh.HandleTelegramLegacyAlias)

	rt.hk.Register(mux)

	if rt.cfg.OpenAIChatCompletionsEnabled {
		mux.HandleFunc("POST /v1/chat/completions", rt.requireGatewayAuth(rt.handleChatCompletions))
	}
	if rt.cfg.OpenResponsesEnabled {
		mux.HandleFunc("POST /v1/responses", rt.requireGatewayAuth(rt.handleResponses))
	}
}

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (rt *Router) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := rt.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func (rt *Router) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":            rt.version,
		"protocol":           3,
		"implementedMethods": rt.disp.ImplementedMethods(),
		"capabilities":       []string{"agent-events-v1"},
	})
}

func (rt *Router) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sess, err := rt.connMgr.Upgrade(w, r)
	if err != nil {
		logger.ErrorCF("httpapi", "websocket upgrade failed", map[string]any{"err": err.Error()})
		return
	}
	connmgr.Serve(sess, rt.disp)
}

// requireGatewayAuth gates the LLM-compatibility surface behind the
// same gateway auth the WebSocket connect handshake uses, via
// Authorization: Bearer (spec §6 "gateway-auth via Authorization: Bearer").
func (rt *Router) requireGatewayAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rt.auth.AuthenticateHTTP(r); err != nil {
			writeJSONError(w, err)
			return
		}
		next(w, r)
	}
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
