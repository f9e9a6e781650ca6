package server

import (
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/hooks"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// heartbeatLoop ticks on an interval and consumes any pending
// next-heartbeat wake recorded through the hooks ingress (spec §4.8
// "mode=next-heartbeat ... consumed on the next heartbeat tick").
// Grounded on the teacher's pkg/heartbeat.HeartbeatService, which runs
// the same start/ticker/stop shape around its own HEARTBEAT.md handler;
// here the handler is always "replay the one pending hooks wake, if
// any" rather than a workspace file.
type heartbeatLoop struct {
	hooks    *hooks.Router
	bus      *eventbus.Bus
	runtime  *agentrun.Runtime
	interval time.Duration
	stop     chan struct{}
}

func newHeartbeatLoop(hk *hooks.Router, bus *eventbus.Bus, runtime *agentrun.Runtime, interval time.Duration) *heartbeatLoop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &heartbeatLoop{hooks: hk, bus: bus, runtime: runtime, interval: interval, stop: make(chan struct{})}
}

func (h *heartbeatLoop) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *heartbeatLoop) shutdown() {
	close(h.stop)
}

func (h *heartbeatLoop) tick() {
	text, sessionKey, agentID, ok := h.hooks.ConsumePendingWake()
	if !ok {
		return
	}
	h.bus.Publish(sessionKey, "hooks.wake", map[string]any{"text": text, "source": "heartbeat"})
	if _, err := h.runtime.CreateRun(sessionKey, agentID, text, uuid.NewString(), false); err != nil {
		logger.ErrorCF("server", "heartbeat: run pending wake failed", map[string]any{"sessionKey": sessionKey, "err": err.Error()})
	}
}
