package hooks

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
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/storage"
)

func newTestRouter(t *testing.T, mutate func(*config.Config)) (*Router, *http.ServeMux) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)

	cfg := config.Default()
	cfg.HooksEnabled = true
	cfg.HooksToken = "hook-secret"
	if mutate != nil {
		mutate(cfg)
	}

	r := New(cfg, store, bus, rt)
	mux := http.NewServeMux()
	r.Register(mux)
	return r, mux
}

func post(mux *http.ServeMux, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	return w
}

func TestRegister_NotMountedWhenDisabled(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.HooksEnabled = false })
	w := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWake_RejectsMissingToken(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWake_RateLimitBreachReturns429(t *testing.T) {
	rt, mux := newTestRouter(t, nil)
	rt.limiter = authn.NewRateLimiter(1, 1, 100, time.Minute)

	headers := map[string]string{"Authorization": "Bearer hook-secret"}
	w1 := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), headers)
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), headers)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestWake_AcceptsBearerToken(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "now", resp["mode"])
}

func TestWake_AcceptsOpenClawTokenHeader(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/wake", []byte(`{"text":"hi"}`), map[string]string{"X-OpenClaw-Token": "hook-secret"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWake_NextHeartbeatRecordsPending(t *testing.T) {
	r, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/wake", []byte(`{"text":"deferred","mode":"next-heartbeat"}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "next-heartbeat", resp["mode"])

	text, _, _, ok := r.ConsumePendingWake()
	require.True(t, ok)
	assert.Equal(t, "deferred", text)

	_, _, _, ok = r.ConsumePendingWake()
	assert.False(t, ok)
}

func TestWake_RejectsInvalidMode(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/wake", []byte(`{"text":"hi","mode":"later"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgent_CreatesRunWithDefaults(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/agent", []byte(`{"message":"do something"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["runId"])
	assert.Equal(t, "main", resp["agentId"])
	assert.Contains(t, resp["sessionKey"].(string), "hook:")
}

func TestAgent_RejectsClientSessionKeyByDefault(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/agent", []byte(`{"message":"hi","sessionKey":"custom"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgent_AllowsClientSessionKeyWhenConfigured(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.HooksAllowRequestSessionKey = true })
	w := post(mux, "/hooks/agent", []byte(`{"message":"hi","sessionKey":"custom"}`), map[string]string{"Authorization": "Bearer hook-secret"})
	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "custom", resp["sessionKey"])
}

func TestMappedRoute_RendersTemplateAndCreatesRun(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) {
		c.HooksMappings = []config.HookMapping{
			{
				Path:            "/github/push/",
				Action:          "agent",
				MessageTemplate: "push by {{actor.name}} touching {{commits[0].id}} via {{headers.X-Event}}",
				SessionKey:      "github-session",
			},
		}
	})

	body, _ := json.Marshal(map[string]any{
		"actor":   map[string]string{"name": "ada"},
		"commits": []map[string]string{{"id": "abc123"}},
	})
	w := post(mux, "/hooks/github/push", body, map[string]string{
		"Authorization": "Bearer hook-secret",
		"X-Event":       "push",
	})

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "github-session", resp["sessionKey"])
}

func TestMappedRoute_MatchSourceFilters(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) {
		c.HooksMappings = []config.HookMapping{
			{Path: "generic", Action: "wake", MatchSource: "ci", MessageTemplate: "build {{status}}"},
		}
	})

	wrongSource, _ := json.Marshal(map[string]string{"source": "other", "status": "ok"})
	w := post(mux, "/hooks/generic", wrongSource, map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	rightSource, _ := json.Marshal(map[string]string{"source": "ci", "status": "ok"})
	w2 := post(mux, "/hooks/generic", rightSource, map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestMappedRoute_UnknownSubpathReturnsNotFound(t *testing.T) {
	_, mux := newTestRouter(t, nil)
	w := post(mux, "/hooks/nope", []byte(`{}`), map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBody_ExceedsMaxBodyBytes(t *testing.T) {
	_, mux := newTestRouter(t, func(c *config.Config) { c.HooksMaxBodyBytes = 10 })
	w := post(mux, "/hooks/wake", []byte(`{"text":"this body is far too long for the limit"}`),
		map[string]string{"Authorization": "Bearer hook-secret"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
