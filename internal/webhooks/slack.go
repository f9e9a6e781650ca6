package webhooks

import (
	"encoding/json"
	"net/http"

	"github.com/slack-go/slack"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
)

// slackAdapter validates Slack's signed request headers with the
// official HMAC verifier (spec §4.7 "slack.NewSecretsVerifier checks
// X-Slack-Signature/X-Slack-Request-Timestamp") and decodes the Events
// API envelope for the message text.
type slackAdapter struct {
	cfg config.ChannelConfig
}

func newSlackAdapter(cfg *config.Config) *slackAdapter {
	return &slackAdapter{cfg: cfg.Slack}
}

func (a *slackAdapter) Name() string { return "slack" }

func (a *slackAdapter) Validate(r *http.Request, body []byte) *apierr.Error {
	if a.cfg.WebhookToken == "" {
		return nil
	}
	verifier, err := slack.NewSecretsVerifier(r.Header, a.cfg.WebhookToken)
	if err != nil {
		return apierr.Unavail("missing slack signature headers")
	}
	if _, err := verifier.Write(body); err != nil {
		return apierr.Unavail("failed to hash slack request body")
	}
	if err := verifier.Ensure(); err != nil {
		return apierr.Unavail("invalid slack signature")
	}
	return nil
}

type slackEventEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Event     struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		User    string `json:"user"`
		Channel string `json:"channel"`
		Ts      string `json:"ts"`
	} `json:"event"`
}

func (a *slackAdapter) Ingest(body []byte, r *http.Request) (IngestResult, *apierr.Error) {
	var env slackEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return IngestResult{}, apierr.Invalid("invalid slack event payload")
	}
	if env.Type == "url_verification" {
		return IngestResult{}, apierr.Invalid("url_verification carries no message")
	}
	if env.Event.Type != "message" || env.Event.Text == "" {
		return IngestResult{}, apierr.Invalid("slack event has no usable text")
	}

	return IngestResult{
		ConversationID: env.Event.Channel,
		Text:           env.Event.Text,
		MessageID:      env.Event.Channel + ":" + env.Event.Ts,
		SourceSenderID: env.Event.User,
	}, nil
}

// Challenge reports Slack's url_verification challenge token, letting
// serveAdapter short-circuit with the bare echo Slack expects instead of
// running the normal ingest/AgentRun flow for that one event type.
func (a *slackAdapter) Challenge(body []byte) (string, bool) {
	var env slackEventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", false
	}
	if env.Type != "url_verification" || env.Challenge == "" {
		return "", false
	}
	return env.Challenge, true
}

func (a *slackAdapter) Outbound() (OutboundConfig, bool) {
	if a.cfg.OutboundURL == "" {
		return OutboundConfig{}, false
	}
	return OutboundConfig{URL: a.cfg.OutboundURL, Token: a.cfg.OutboundToken}, true
}
