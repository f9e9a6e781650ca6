package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/hooks"
	"github.com/reclaw/reclaw-core/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DBPath = filepath.Join(t.TempDir(), "reclaw.db")
	cfg.GatewayToken = "gateway-secret"
	return cfg
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestNew_RejectsNoneAuthOnNonLoopbackHost(t *testing.T) {
	cfg := testConfig(t)
	cfg.GatewayToken = ""
	cfg.Host = "0.0.0.0"

	_, err := New(cfg)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewExecutor_PicksEchoExecutorWithoutAnthropicKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.AnthropicAPIKey = ""
	_, ok := newExecutor(cfg).(agentrun.EchoExecutor)
	assert.True(t, ok)
}

func TestNewExecutor_PicksAnthropicExecutorWithKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.AnthropicAPIKey = "test-key"
	exec := newExecutor(cfg)
	_, ok := exec.(*agentrun.AnthropicExecutor)
	assert.True(t, ok)
}

func TestNew_AllowsNoneAuthOnLoopback(t *testing.T) {
	cfg := testConfig(t)
	cfg.GatewayToken = ""
	cfg.Host = "127.0.0.1"

	srv, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, srv)
}

func TestNew_ReturnsStorageErrorOnUnopenableDB(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBPath = "/nonexistent-dir-xyz/reclaw.db"

	_, err := New(cfg)
	require.Error(t, err)
	var storageErr *StorageError
	assert.True(t, errors.As(err, &storageErr))
}

func TestRun_ServesHealthzAndShutsDownOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	srv, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(ctx) }()

	addr := fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(addr)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}

func TestRun_BindFailureReturnsBindError(t *testing.T) {
	cfg := testConfig(t)
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)

	blocker, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.Port))
	require.NoError(t, err)
	defer blocker.Close()

	srv, err := New(cfg)
	require.NoError(t, err)

	err = srv.Run(context.Background())
	require.Error(t, err)
	var bindErr *BindError
	assert.True(t, errors.As(err, &bindErr))
}

func TestCronScheduler_FiresDueJobAndAdvancesNextFireAt(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)

	job := storage.CronJob{ID: "job-1", Schedule: "* * * * *", Payload: "do the thing", Enabled: true, NextFireAt: 1}
	require.NoError(t, store.CreateCronJob(job))

	sched := newCronScheduler(store, rt, time.Hour)
	sched.tick()

	require.Eventually(t, func() bool {
		updated, ok, err := store.GetCronJob("job-1")
		return err == nil && ok && updated.NextFireAt > 1
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatLoop_ConsumesPendingWake(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "reclaw.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	rt := agentrun.New(store, bus, agentrun.EchoExecutor{}, 4)
	cfg := config.Default()
	cfg.HooksEnabled = true
	cfg.HooksToken = "hook-secret"
	hk := hooks.New(cfg, store, bus, rt)
	mux := http.NewServeMux()
	hk.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/hooks/wake",
		bytes.NewReader([]byte(`{"text":"pending text","mode":"next-heartbeat"}`)))
	req.Header.Set("Authorization", "Bearer hook-secret")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	loop := newHeartbeatLoop(hk, bus, rt, time.Hour)
	loop.tick()

	_, _, _, ok := hk.ConsumePendingWake()
	assert.False(t, ok, "heartbeat tick should have already consumed the pending wake")
}
