package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/authn"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/connmgr"
	"github.com/reclaw/reclaw-core/internal/dispatcher"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/hooks"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/internal/webhooks"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*Router, *http.ServeMux) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	auth := authn.New(authn.ModeToken, "gateway-secret", "")
	connMgr := connmgr.NewManager()
	wh := webhooks.New(cfg, store, bus, rt)
	hk := hooks.New(cfg, store, bus, rt)
	disp := dispatcher.New(store, bus, auth, rt, wh, "test")

	router := New(cfg, store, auth, rt, connMgr, disp, wh, hk, "test")
	mux := http.NewServeMux()
	router.Mount(mux)
	return router, mux
}

func TestHealthz_ReportsOK(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz_PingsStorage(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["ready"])
}

func TestInfo_ListsImplementedMethods(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/info", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp["version"])
	assert.NotEmpty(t, resp["implementedMethods"])
}

func TestChatCompletions_DisabledByDefaultReturnsNotFound(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestChatCompletions_RequiresGatewayAuth(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.OpenAIChatCompletionsEnabled = true })
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletions_RoundTrip(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.OpenAIChatCompletionsEnabled = true })

	body, _ := json.Marshal(map[string]any{
		"model": "reclaw-agent",
		"messages": []map[string]string{
			{"role": "user", "content": "hello there"},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer gateway-secret")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp["object"])
	choices, ok := resp["choices"].([]any)
	require.True(t, ok)
	require.Len(t, choices, 1)
}

func TestResponses_DisabledByDefaultReturnsNotFound(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResponses_RoundTrip(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.OpenResponsesEnabled = true })

	body, _ := json.Marshal(map[string]any{
		"model": "reclaw-agent",
		"input": "hello there",
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer gateway-secret")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "response", resp["object"])
	assert.Equal(t, "completed", resp["status"])
}

func TestChatCompletions_RateLimitBreachReturns429(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)
	cfg := config.Default()
	cfg.OpenAIChatCompletionsEnabled = true

	auth := authn.New(authn.ModeToken, "gateway-secret", "").
		WithRateLimiter(authn.NewRateLimiter(1, 1, 100, time.Minute))
	connMgr := connmgr.NewManager()
	wh := webhooks.New(cfg, store, bus, rt)
	hk := hooks.New(cfg, store, bus, rt)
	disp := dispatcher.New(store, bus, auth, rt, wh, "test")
	router := New(cfg, store, auth, rt, connMgr, disp, wh, hk, "test")
	mux := http.NewServeMux()
	router.Mount(mux)

	body, _ := json.Marshal(map[string]any{
		"model":    "reclaw-agent",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req1 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req1.Header.Set("Authorization", "Bearer gateway-secret")
	w1 := httptest.NewRecorder()
	mux.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer gateway-secret")
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestChannelWebhook_UnknownChannelReturnsNotFound(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/channels/nope/webhook", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
