package webhooks

import (
	"encoding/json"
	"net/http"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
)

// bearerAdapter covers channels whose webhook contract spec §4.7 defines
// as bearer-token-only: signal and whatsapp. Neither provider's wire
// format gets a dedicated SDK here (the teacher pack's whatsmeow client
// models a native multi-device socket session, not a stateless inbound
// webhook, so it has no home in this adapter — see DESIGN.md); both
// accept a minimal generic JSON envelope instead.
type bearerAdapter struct {
	name string
	cfg  config.ChannelConfig
}

func newBearerAdapter(name string, cfg config.ChannelConfig) *bearerAdapter {
	return &bearerAdapter{name: name, cfg: cfg}
}

func (a *bearerAdapter) Name() string { return a.name }

func (a *bearerAdapter) Validate(r *http.Request, body []byte) *apierr.Error {
	if a.cfg.WebhookToken == "" {
		return nil
	}
	if !constantTimeBearerMatch(r, a.cfg.WebhookToken) {
		return apierr.Unavail("invalid " + a.name + " bearer token")
	}
	return nil
}

type bearerEnvelope struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	MessageID      string `json:"messageId"`
	SenderID       string `json:"senderId"`
}

func (a *bearerAdapter) Ingest(body []byte, r *http.Request) (IngestResult, *apierr.Error) {
	var env bearerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return IngestResult{}, apierr.Invalid("invalid " + a.name + " payload")
	}
	if env.ConversationID == "" || env.Text == "" {
		return IngestResult{}, apierr.Invalid(a.name + " payload missing conversationId/text")
	}
	return IngestResult{
		ConversationID: env.ConversationID,
		Text:           env.Text,
		MessageID:      env.MessageID,
		SourceSenderID: env.SenderID,
	}, nil
}

func (a *bearerAdapter) Outbound() (OutboundConfig, bool) {
	if a.cfg.OutboundURL == "" {
		return OutboundConfig{}, false
	}
	return OutboundConfig{URL: a.cfg.OutboundURL, Token: a.cfg.OutboundToken}, true
}
