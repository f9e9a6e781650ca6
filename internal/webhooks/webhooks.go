// Package webhooks is the Channel Webhook Plane (C8): an immutable
// registry of per-provider adapters plus a static plugin HTTP bridge,
// adapted from the teacher's pkg/channels/webhook.go and
// pkg/channels/manager.go. Adapters translate provider payloads into
// ChatMessages and AgentRuns on a derived session_key, and relay the
// final agent output back out over each provider's own channel.
package webhooks

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reclaw/reclaw-core/internal/agentrun"
	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
	"github.com/reclaw/reclaw-core/internal/eventbus"
	"github.com/reclaw/reclaw-core/internal/protocol"
	"github.com/reclaw/reclaw-core/internal/storage"
	"github.com/reclaw/reclaw-core/pkg/logger"
)

// maxBodyBytes bounds a single webhook request body, mirroring the
// teacher's io.LimitReader(r.Body, 1<<20) in handleInbound.
const maxBodyBytes = 1 << 20

// defaultOutboundTimeout bounds the outbound relay HTTP call when no
// per-channel timeout is configured.
const defaultOutboundTimeout = 10 * time.Second

// IngestResult is what an adapter's Ingest extracts from a validated
// provider payload.
type IngestResult struct {
	SessionKey      string // explicit override; derived from the fields below if empty
	AgentID         string
	ConversationID  string
	Text            string
	MessageID       string // used for idempotency; spec §3 edge case "same messageId -> one ChatMessage, at most one AgentRun"
	SourceSenderID  string
}

// OutboundConfig names where (and with what credential) a channel's
// replies are relayed, per spec §4.7 "outbound relay".
type OutboundConfig struct {
	URL   string
	Token string
}

// ChannelAdapter is the provider-specific contract spec §4.7 names:
// validate checks the request's credentials/signature, ingest
// translates a validated payload into an IngestResult.
type ChannelAdapter interface {
	Name() string
	Validate(r *http.Request, body []byte) *apierr.Error
	Ingest(body []byte, r *http.Request) (IngestResult, *apierr.Error)
	Outbound() (OutboundConfig, bool)
}

type outboundContext struct {
	Channel         string
	ConversationID  string
	SessionKey      string
	SourceSenderID  string
	SourceMessageID string
}

// Router holds the immutable adapter snapshot and mediates every
// channel-webhook HTTP route. Built once at server construction (spec
// §9 redesign flag: "explicit singleton init in router construction").
type Router struct {
	cfg     *config.Config
	store   *storage.Store
	bus     *eventbus.Bus
	runtime *agentrun.Runtime
	client  *http.Client

	adapters map[string]ChannelAdapter // immutable after New

	pending sync.Map // runID -> outboundContext
	relayed sync.Map // sessionKey -> struct{}, dedupes relay subscription
}

// New builds the Router and registers every builtin adapter. The
// adapter map itself is never mutated after this call returns.
func New(cfg *config.Config, store *storage.Store, bus *eventbus.Bus, runtime *agentrun.Runtime) *Router {
	rt := &Router{
		cfg:     cfg,
		store:   store,
		bus:     bus,
		runtime: runtime,
		client:  &http.Client{Timeout: defaultOutboundTimeout},
	}
	rt.adapters = map[string]ChannelAdapter{
		"telegram": newTelegramAdapter(cfg),
		"discord":  newDiscordAdapter(cfg),
		"slack":    newSlackAdapter(cfg),
		"signal":   newBearerAdapter("signal", cfg.Signal),
		"whatsapp": newBearerAdapter("whatsapp", cfg.WhatsApp),
	}
	return rt
}

// HandleChannelWebhook serves POST /channels/{channel}/webhook.
func (rt *Router) HandleChannelWebhook(w http.ResponseWriter, r *http.Request) {
	rt.dispatchWebhook(r.PathValue("channel"), w, r)
}

// HandleTelegramLegacyAlias serves POST /channels/telegram/webhook,
// spec §4.7's named legacy alias for the telegram adapter.
func (rt *Router) HandleTelegramLegacyAlias(w http.ResponseWriter, r *http.Request) {
	rt.dispatchWebhook("telegram", w, r)
}

func (rt *Router) dispatchWebhook(channel string, w http.ResponseWriter, r *http.Request) {
	if channel == "" {
		writeJSONError(w, apierr.NotFoundErr("missing channel"))
		return
	}
	if adapter, ok := rt.adapters[channel]; ok {
		rt.serveAdapter(adapter, w, r)
		return
	}
	if plugin, ok := rt.cfg.ChannelWebhookPlugins[channel]; ok {
		rt.servePlugin(channel, plugin, w, r)
		return
	}
	writeJSONError(w, apierr.NotFoundErr("unknown channel: "+channel))
}

func (rt *Router) serveAdapter(adapter ChannelAdapter, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, apierr.Invalid("failed to read request body"))
		return
	}
	defer r.Body.Close()

	if verr := adapter.Validate(r, body); verr != nil {
		writeJSONError(w, verr)
		return
	}

	if challenger, ok := adapter.(interface{ Challenge([]byte) (string, bool) }); ok {
		if challenge, isChallenge := challenger.Challenge(body); isChallenge {
			writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
			return
		}
	}

	result, verr := adapter.Ingest(body, r)
	if verr != nil {
		writeJSONError(w, verr)
		return
	}
	if result.Text == "" {
		writeJSONError(w, apierr.Invalid("empty message payload"))
		return
	}

	runID, isNew, err := rt.ingestAndRun(adapter, result)
	if err != nil {
		logger.ErrorCF("webhooks", "ingest failed", map[string]any{"channel": adapter.Name(), "err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to process webhook"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runId": runID, "duplicate": !isNew})
}

// ingestAndRun persists the inbound message and creates (or reuses, on
// a duplicate messageId) the AgentRun, registering an outbound relay
// subscription when the adapter supports one.
func (rt *Router) ingestAndRun(adapter ChannelAdapter, res IngestResult) (runID string, isNew bool, err error) {
	agentID := res.AgentID
	if agentID == "" {
		agentID = "main"
	}
	sessionKey := res.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:%s:chat:%s", agentID, adapter.Name(), res.ConversationID)
	}

	now := nowMillis()
	if _, serr := rt.store.EnsureSession(sessionKey, storage.Session{
		ID: uuid.NewString(), SessionKey: sessionKey, AgentID: agentID, CreatedAt: now, UpdatedAt: now,
	}); serr != nil {
		return "", false, fmt.Errorf("webhooks: ensure session: %w", serr)
	}

	msgID := res.MessageID
	if msgID == "" {
		msgID = agentrun.HashIdempotencyKey(sessionKey + "\x00" + res.Text)
	}
	duplicate := false
	if aerr := rt.store.AppendChatMessage(storage.ChatMessage{
		ID: "webhook:" + adapter.Name() + ":" + msgID, SessionKey: sessionKey, Role: storage.RoleUser, Text: res.Text, Ts: now,
	}); aerr != nil {
		if !isDuplicateInsert(aerr) {
			return "", false, fmt.Errorf("webhooks: append chat message: %w", aerr)
		}
		duplicate = true
	}

	created, rerr := rt.runtime.CreateRun(sessionKey, agentID, res.Text, msgID, false)
	if rerr != nil {
		return "", false, fmt.Errorf("webhooks: create run: %w", rerr)
	}

	if outCfg, ok := adapter.Outbound(); ok && outCfg.URL != "" && !created.Existed {
		rt.pending.Store(created.RunID, outboundContext{
			Channel:         adapter.Name(),
			ConversationID:  res.ConversationID,
			SessionKey:      sessionKey,
			SourceSenderID:  res.SourceSenderID,
			SourceMessageID: res.MessageID,
		})
		rt.ensureRelay(sessionKey, outCfg)
	}

	return created.RunID, !created.Existed && !duplicate, nil
}

// ensureRelay subscribes a relay sink for sessionKey exactly once; later
// runs on the same session reuse the existing subscription.
func (rt *Router) ensureRelay(sessionKey string, outCfg OutboundConfig) {
	if _, loaded := rt.relayed.LoadOrStore(sessionKey, struct{}{}); loaded {
		return
	}
	rt.bus.Subscribe(eventbus.Topic(sessionKey, "chat.final"), "webhooks:"+sessionKey, &relaySink{router: rt, outbound: outCfg})
}

// relaySink implements eventbus.Sink, forwarding chat.final events to
// the provider's outbound URL using the outbound context stashed by
// ingestAndRun for that run.
type relaySink struct {
	router   *Router
	outbound OutboundConfig
}

func (s *relaySink) Push(f protocol.Frame) {
	payload, ok := f.Payload.(map[string]any)
	if !ok {
		return
	}
	runID, _ := payload["runId"].(string)
	output, _ := payload["output"].(string)
	if runID == "" {
		return
	}
	v, ok := s.router.pending.LoadAndDelete(runID)
	if !ok {
		return
	}
	ctx := v.(outboundContext)
	go s.router.relay(ctx, s.outbound, runID, output)
}

func (rt *Router) relay(ctx outboundContext, outCfg OutboundConfig, runID, reply string) {
	body, err := json.Marshal(map[string]any{
		"channel":         ctx.Channel,
		"conversationId":  ctx.ConversationID,
		"reply":           reply,
		"sessionKey":      ctx.SessionKey,
		"runId":           runID,
		"sourceSenderId":  ctx.SourceSenderID,
		"sourceMessageId": ctx.SourceMessageID,
	})
	if err != nil {
		logger.ErrorCF("webhooks", "marshal outbound relay payload failed", map[string]any{"channel": ctx.Channel, "err": err.Error()})
		return
	}

	req, err := http.NewRequest(http.MethodPost, outCfg.URL, bytes.NewReader(body))
	if err != nil {
		logger.ErrorCF("webhooks", "build outbound relay request failed", map[string]any{"channel": ctx.Channel, "err": err.Error()})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if outCfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+outCfg.Token)
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		logger.ErrorCF("webhooks", "outbound relay request failed", map[string]any{"channel": ctx.Channel, "err": err.Error()})
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.WarnCF("webhooks", "outbound relay returned non-2xx", map[string]any{"channel": ctx.Channel, "status": resp.StatusCode})
	}
}

// HandleChannelInbound serves both POST /channels/inbound and POST
// /channels/{channel}/inbound: the normalized generic bridge body,
// guarded by channelsInboundToken (spec §4.7).
func (rt *Router) HandleChannelInbound(w http.ResponseWriter, r *http.Request) {
	if rt.cfg.ChannelsInboundToken != "" {
		if !constantTimeBearerMatch(r, rt.cfg.ChannelsInboundToken) {
			writeJSONError(w, apierr.Unavail("authentication failed"))
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, apierr.Invalid("failed to read request body"))
		return
	}
	defer r.Body.Close()

	var p struct {
		Channel        string `json:"channel"`
		ConversationID string `json:"conversationId"`
		Text           string `json:"text"`
		AgentID        string `json:"agentId"`
		MessageID      string `json:"messageId"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSONError(w, apierr.Invalid("malformed JSON body"))
		return
	}
	if pathChannel := r.PathValue("channel"); pathChannel != "" {
		p.Channel = pathChannel
	}
	if p.Channel == "" || p.Text == "" {
		writeJSONError(w, apierr.Invalid("channel and text are required"))
		return
	}

	runID, isNew, err := rt.ingestAndRun(genericChannel{name: p.Channel}, IngestResult{
		AgentID: p.AgentID, ConversationID: p.ConversationID, Text: p.Text, MessageID: p.MessageID,
	})
	if err != nil {
		logger.ErrorCF("webhooks", "generic inbound ingest failed", map[string]any{"channel": p.Channel, "err": err.Error()})
		writeJSONError(w, apierr.Unavail("failed to process inbound message"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runId": runID, "duplicate": !isNew})
}

// genericChannel is a minimal ChannelAdapter used only to name the
// channel string for ingestAndRun's session-key derivation; the generic
// inbound bridge has no provider credential to validate and no outbound
// relay of its own.
type genericChannel struct{ name string }

func (g genericChannel) Name() string { return g.name }
func (g genericChannel) Validate(*http.Request, []byte) *apierr.Error { return nil }
func (g genericChannel) Ingest([]byte, *http.Request) (IngestResult, *apierr.Error) {
	return IngestResult{}, nil
}
func (g genericChannel) Outbound() (OutboundConfig, bool) { return OutboundConfig{}, false }

// ChannelStatus is one entry of the channels.status report (spec §4.7).
type ChannelStatus struct {
	Channel    string `json:"channel"`
	Kind       string `json:"kind"` // "builtin" | "plugin"
	Configured bool   `json:"configured"`
	LoggedOut  bool   `json:"loggedOut"`
}

// Status reports every configured plugin channel, every in-process
// adapter, and merged persisted logout state (spec §4.7 "channels.status").
func (rt *Router) Status() []ChannelStatus {
	var out []ChannelStatus
	for name, adapter := range rt.adapters {
		_, hasOutbound := adapter.Outbound()
		out = append(out, ChannelStatus{
			Channel:    name,
			Kind:       "builtin",
			Configured: hasOutbound || adapterHasCredential(rt.cfg, name),
			LoggedOut:  rt.loggedOut(name),
		})
	}
	for name := range rt.cfg.ChannelWebhookPlugins {
		out = append(out, ChannelStatus{Channel: name, Kind: "plugin", Configured: true, LoggedOut: rt.loggedOut(name)})
	}
	return out
}

func (rt *Router) loggedOut(channel string) bool {
	entry, ok, err := rt.store.GetConfig("channel:" + channel + ":loggedOut")
	if err != nil || !ok {
		return false
	}
	return entry.Value == "true"
}

func adapterHasCredential(cfg *config.Config, channel string) bool {
	switch channel {
	case "telegram":
		return cfg.Telegram.WebhookSecret != "" || cfg.Telegram.BotToken != ""
	case "discord":
		return cfg.Discord.WebhookToken != ""
	case "slack":
		return cfg.Slack.WebhookToken != ""
	case "signal":
		return cfg.Signal.WebhookToken != ""
	case "whatsapp":
		return cfg.WhatsApp.WebhookToken != ""
	default:
		return false
	}
}

func constantTimeBearerMatch(r *http.Request, token string) bool {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	presented := strings.TrimPrefix(header, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func isDuplicateInsert(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
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
