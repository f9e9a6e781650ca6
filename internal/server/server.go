// Package server wires every component (C1-C10) into one running
// process: it is the generalization of the teacher's gatewayRunner
// (cmd/picoclaw/cmd_gateway.go) — construct-then-start, with a single
// ctx/cancel pair gating every background goroutine and an explicit
// ordered shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/authn"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/connmgr"
	"github.com/reclaw/reclaw-core/internal/dispatcher"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/hooks"
	"github.com/reclaw/reclaw-core/internal/httpapi"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/internal/webhooks"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// Version is stamped at build time (see cmd/reclaw); it flows through
// to GET /info and the WebSocket status method.
var Version = "dev"

// Server owns every long-lived component and the process's one
// *http.Server. Construct with New, then call Run.
type Server struct {
	cfg       *config.Config
	store     *storage.Store
	bus       *eventbus.Bus
	auth      *authn.Authenticator
	runtime   *agentrun.Runtime
	connMgr   *connmgr.Manager
	disp      *dispatcher.Dispatcher
	webhooks  *webhooks.Router
	hooks     *hooks.Router
	http      *httpapi.Router
	cron      *cronScheduler
	heartbeat *heartbeatLoop
	httpSrv   *http.Server
}

// New constructs every component against cfg without starting
// anything — mirroring the teacher's createGatewayRunner, which
// separates "build the graph" from "start the services."
func New(cfg *config.Config) (*Server, error) {
	mode := authMode(cfg)
	if mode == authn.ModeNone && !isLoopback(cfg.Host) {
		return nil, &ConfigError{Err: fmt.Errorf("server: auth mode 'none' is only permitted on loopback binds, got host %q", cfg.Host)}
	}

	store, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, &StorageError{Err: fmt.Errorf("server: open storage: %w", err)}
	}

	bus := eventbus.New()
	runtime := agentrun.New(store, bus, newExecutor(cfg), agentrun.DefaultWorkerPoolSize)

	auth := authn.New(mode, cfg.GatewayToken, cfg.GatewayPassword).WithRateLimiter(authn.DefaultRateLimiter())
	connMgr := connmgr.NewManager()
	wh := webhooks.New(cfg, store, bus, runtime)
	hk := hooks.New(cfg, store, bus, runtime)
	disp := dispatcher.New(store, bus, auth, runtime, wh, Version)
	httpRouter := httpapi.New(cfg, store, auth, runtime, connMgr, disp, wh, hk, Version)

	cronInterval := time.Duration(cfg.CronPollIntervalSeconds) * time.Second
	heartbeatInterval := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second

	return &Server{
		cfg:       cfg,
		store:     store,
		bus:       bus,
		auth:      auth,
		runtime:   runtime,
		connMgr:   connMgr,
		disp:      disp,
		webhooks:  wh,
		hooks:     hk,
		http:      httpRouter,
		cron:      newCronScheduler(store, runtime, cronInterval),
		heartbeat: newHeartbeatLoop(hk, bus, runtime, heartbeatInterval),
	}, nil
}

// newExecutor picks the agentrun.Executor backing this process: the
// real Anthropic Messages API when an API key is configured, otherwise
// the built-in echo executor every test in this module relies on.
func newExecutor(cfg *config.Config) agentrun.Executor {
	if cfg.AnthropicAPIKey == "" {
		return agentrun.EchoExecutor{}
	}
	return agentrun.NewAnthropicExecutor(cfg.AnthropicAPIKey, anthropic.Model(cfg.AnthropicModel))
}

// authMode picks the authn.Mode implied by which credential is set,
// preferring a token over a password when both are configured (spec §6
// "gateway auth (gatewayToken or gatewayPassword)").
func authMode(cfg *config.Config) authn.Mode {
	switch {
	case cfg.GatewayToken != "":
		return authn.ModeToken
	case cfg.GatewayPassword != "":
		return authn.ModePassword
	default:
		return authn.ModeNone
	}
}

// Run starts every background service and the HTTP listener, blocking
// until ctx is cancelled, then shuts down the HTTP server, the cron and
// heartbeat loops, and storage, in that order.
// The bind failure (vs. any other startup failure) is reported
// distinctly so cmd/reclaw can map it to its own exit code.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.http.Mount(mux)

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: mux,
	}

	ln, err := newListener(s.httpSrv.Addr)
	if err != nil {
		return &BindError{Err: err}
	}

	go s.cron.run()
	go s.heartbeat.run()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpSrv.Serve(ln)
	}()

	logger.InfoCF("server", "reclaw gateway started", map[string]any{"addr": s.httpSrv.Addr})

	select {
	case <-ctx.Done():
		s.shutdown()
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) shutdown() {
	logger.InfoC("server", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(shutdownCtx)
	}

	s.cron.shutdown()
	s.heartbeat.shutdown()

	if err := s.store.Close(); err != nil {
		logger.ErrorCF("server", "storage close failed", map[string]any{"err": err.Error()})
	}

	logger.InfoC("server", "shutdown complete")
}

func newListener(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

func isLoopback(host string) bool {
	if host == "" || host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// BindError wraps a listener failure so callers can distinguish "could
// not bind the configured host:port" from any other startup error
// (spec §6 exit code 2).
type BindError struct{ Err error }

func (e *BindError) Error() string { return fmt.Sprintf("server: bind failed: %v", e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// ConfigError wraps an invalid-configuration failure detected at
// server construction time, mapped by cmd/reclaw to exit code 1.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// StorageError wraps a storage-open failure, mapped by cmd/reclaw to
// exit code 3 (spec §6).
type StorageError struct{ Err error }

func (e *StorageError) Error() string { return e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }
