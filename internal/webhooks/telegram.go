package webhooks

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mymmrac/telego"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
)

// telegramAdapter decodes Telegram's Update webhook body with telego's
// own wire types, validating the secret token Telegram echoes back on
// every delivery (spec §4.7 "compares telegramWebhookSecret against the
// X-Telegram-Bot-Api-Secret-Token header in constant time").
type telegramAdapter struct {
	cfg config.TelegramConfig
}

func newTelegramAdapter(cfg *config.Config) *telegramAdapter {
	return &telegramAdapter{cfg: cfg.Telegram}
}

func (a *telegramAdapter) Name() string { return "telegram" }

func (a *telegramAdapter) Validate(r *http.Request, body []byte) *apierr.Error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}
	presented := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(a.cfg.WebhookSecret)) != 1 {
		return apierr.Unavail("invalid telegram secret token")
	}
	return nil
}

func (a *telegramAdapter) Ingest(body []byte, r *http.Request) (IngestResult, *apierr.Error) {
	var update telego.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return IngestResult{}, apierr.Invalid("invalid telegram update payload")
	}

	msg := update.Message
	if msg == nil {
		msg = update.EditedMessage
	}
	if msg == nil || msg.Text == "" {
		return IngestResult{}, apierr.Invalid("telegram update has no text message")
	}

	return IngestResult{
		ConversationID: fmt.Sprintf("%d", msg.Chat.ID),
		Text:           msg.Text,
		MessageID:      fmt.Sprintf("%d", update.UpdateID),
		SourceSenderID: telegramSenderID(msg),
	}, nil
}

func telegramSenderID(msg *telego.Message) string {
	if msg.From == nil {
		return ""
	}
	return fmt.Sprintf("%d", msg.From.ID)
}

func (a *telegramAdapter) Outbound() (OutboundConfig, bool) {
	if a.cfg.OutboundURL == "" {
		return OutboundConfig{}, false
	}
	return OutboundConfig{URL: a.cfg.OutboundURL, Token: a.cfg.OutboundToken}, true
}
