// Package config implements Reclaw Core's layered configuration:
// /etc/reclaw/config.json → ~/.reclaw/config.json → environment
// (RECLAW_*) → CLI flags, in that order of increasing precedence
// (spec §6). The loader itself is consumed by cmd/reclaw; this package
// only defines the shape and the merge/override mechanics.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/reclaw/reclaw-core/pkg/logger"
)

// ChannelPluginConfig is one entry of channelWebhookPlugins.<channel>.
type ChannelPluginConfig struct {
	URL       string `json:"url"`
	Token     string `json:"token,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

// ChannelConfig groups the per-provider webhook/outbound settings named
// in spec §6 for discord/slack/signal/whatsapp. Telegram has its own
// richer shape (below) since it additionally carries a bot token and API
// base URL.
type ChannelConfig struct {
	WebhookToken  string `json:"webhookToken,omitempty" env:"WEBHOOK_TOKEN"`
	OutboundURL   string `json:"outboundUrl,omitempty" env:"OUTBOUND_URL"`
	OutboundToken string `json:"outboundToken,omitempty" env:"OUTBOUND_TOKEN"`
}

// TelegramConfig is telegram's dedicated channel config block.
type TelegramConfig struct {
	WebhookSecret string `json:"webhookSecret,omitempty" env:"WEBHOOK_SECRET"`
	BotToken      string `json:"botToken,omitempty" env:"BOT_TOKEN"`
	APIBaseURL    string `json:"apiBaseUrl,omitempty" env:"API_BASE_URL"`
	OutboundURL   string `json:"outboundUrl,omitempty" env:"OUTBOUND_URL"`
	OutboundToken string `json:"outboundToken,omitempty" env:"OUTBOUND_TOKEN"`
}

// HookMapping is one entry of hooksMappings[] (spec §4.8).
type HookMapping struct {
	Path            string `json:"path"`
	MatchSource     string `json:"matchSource,omitempty"`
	Action          string `json:"action"` // "agent" | "wake"
	MessageTemplate string `json:"messageTemplate,omitempty"`
	SessionKey      string `json:"sessionKey,omitempty"`
	AgentID         string `json:"agentId,omitempty"`
}

// Config is the full static configuration surface (spec §6).
type Config struct {
	// Gateway auth.
	GatewayToken    string `json:"gatewayToken,omitempty" env:"GATEWAY_TOKEN"`
	GatewayPassword string `json:"gatewayPassword,omitempty" env:"GATEWAY_PASSWORD"`

	// Hooks ingress.
	HooksEnabled                bool          `json:"hooksEnabled,omitempty" env:"HOOKS_ENABLED"`
	HooksToken                  string        `json:"hooksToken,omitempty" env:"HOOKS_TOKEN"`
	HooksPath                   string        `json:"hooksPath,omitempty" env:"HOOKS_PATH"`
	HooksMaxBodyBytes           int64         `json:"hooksMaxBodyBytes,omitempty" env:"HOOKS_MAX_BODY_BYTES"`
	HooksAllowRequestSessionKey bool          `json:"hooksAllowRequestSessionKey,omitempty" env:"HOOKS_ALLOW_REQUEST_SESSION_KEY"`
	HooksDefaultSessionKey      string        `json:"hooksDefaultSessionKey,omitempty" env:"HOOKS_DEFAULT_SESSION_KEY"`
	HooksDefaultAgentID         string        `json:"hooksDefaultAgentId,omitempty" env:"HOOKS_DEFAULT_AGENT_ID"`
	HooksMappings               []HookMapping `json:"hooksMappings,omitempty"`

	// Channel webhook plane.
	ChannelsInboundToken  string                         `json:"channelsInboundToken,omitempty" env:"CHANNELS_INBOUND_TOKEN"`
	Telegram              TelegramConfig                 `json:"telegram,omitempty" envPrefix:"TELEGRAM_"`
	Discord               ChannelConfig                  `json:"discord,omitempty" envPrefix:"DISCORD_"`
	Slack                 ChannelConfig                  `json:"slack,omitempty" envPrefix:"SLACK_"`
	Signal                ChannelConfig                  `json:"signal,omitempty" envPrefix:"SIGNAL_"`
	WhatsApp              ChannelConfig                  `json:"whatsapp,omitempty" envPrefix:"WHATSAPP_"`
	ChannelWebhookPlugins map[string]ChannelPluginConfig `json:"channelWebhookPlugins,omitempty"`

	// LLM-compatibility surface.
	OpenAIChatCompletionsEnabled bool `json:"openaiChatCompletionsEnabled,omitempty" env:"OPENAI_CHAT_COMPLETIONS_ENABLED"`
	OpenResponsesEnabled         bool `json:"openresponsesEnabled,omitempty" env:"OPENRESPONSES_ENABLED"`

	// Background schedulers (internal/server).
	HeartbeatIntervalSeconds int `json:"heartbeatIntervalSeconds,omitempty" env:"HEARTBEAT_INTERVAL_SECONDS"`
	CronPollIntervalSeconds  int `json:"cronPollIntervalSeconds,omitempty" env:"CRON_POLL_INTERVAL_SECONDS"`

	// Agent execution backend. Empty AnthropicAPIKey keeps the runtime
	// on the built-in echo executor (internal/server picks between the
	// two); set it to exercise the real Anthropic Messages API.
	AnthropicAPIKey string `json:"anthropicApiKey,omitempty" env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `json:"anthropicModel,omitempty" env:"ANTHROPIC_MODEL"`

	// Bind.
	Host string `json:"host,omitempty" env:"HOST"`
	Port int    `json:"port,omitempty" env:"PORT"`

	// Storage.
	DBPath string `json:"dbPath,omitempty" env:"DB_PATH"`

	mu sync.RWMutex
}

// Default returns the baseline Config before any file/env/flag layer is
// applied. Defaults are set here directly (not via env struct tags)
// because this package applies its env layer on top of a possibly
// JSON-populated struct, and caarlos0/env's envDefault would otherwise
// re-stomp a file-provided value whenever the corresponding environment
// variable is unset.
func Default() *Config {
	return &Config{
		HooksPath:           "/hooks",
		HooksMaxBodyBytes:   262144,
		HooksDefaultAgentID: "main",
		Telegram: TelegramConfig{
			APIBaseURL: "https://api.telegram.org",
		},
		HeartbeatIntervalSeconds: 30,
		CronPollIntervalSeconds:  15,
		AnthropicModel:           "claude-sonnet-4-5-20250929",
		Host:                     "127.0.0.1",
		Port:                     8765,
		DBPath:                   "reclaw.db",
	}
}

// Load builds the effective Config by merging, in increasing precedence:
// /etc/reclaw/config.json, ~/.reclaw/config.json, then environment
// variables prefixed RECLAW_ (spec §6). A non-empty explicitPath is
// merged after the two standard files and before the environment. CLI
// flags are applied afterward by the caller
// (cmd/reclaw), which sets the overridden fields on the returned Config
// directly, since cobra owns flag parsing and this package must not
// import it.
func Load(explicitPath string) (*Config, error) {
	c := Default()

	paths := []string{"/etc/reclaw/config.json"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".reclaw", "config.json"))
	}
	if explicitPath != "" {
		paths = append(paths, explicitPath)
	}

	for _, p := range paths {
		if err := mergeFile(c, p); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(c, env.Options{Prefix: "RECLAW_"}); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}

	return c, nil
}

// mergeFile JSON-decodes path onto c if the file exists. A missing file
// is not an error (config layers are all optional); malformed JSON is.
func mergeFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	logger.InfoCF("config", "loaded config layer", map[string]any{"path": path})
	return nil
}

// Save writes c as JSON to path, creating parent directories as needed.
// Used by `init-config`.
func Save(c *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Lock/Unlock/RLock/RUnlock let long-lived holders of *Config (the
// server) guard concurrent reads against a future hot-reload without
// requiring every read site to know about a separate mutex type. Hot
// config reload itself is an explicit non-goal (spec §1); these exist
// only so in-process mutation (e.g. ConfigEntry overlays from storage)
// is race-free.
func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }
