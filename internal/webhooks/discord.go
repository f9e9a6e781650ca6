package webhooks

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/bwmarrin/discordgo"

	"github.com/reclaw/reclaw-core/internal/apierr"
	"github.com/reclaw/reclaw-core/internal/config"
)

// discordAdapter validates Discord's Ed25519-signed interaction webhooks
// (spec §4.7 "discordgo.VerifyInteraction validates X-Signature-Ed25519/
// X-Signature-Timestamp") and extracts the invoking command's text.
type discordAdapter struct {
	cfg       config.ChannelConfig
	publicKey ed25519.PublicKey
}

func newDiscordAdapter(cfg *config.Config) *discordAdapter {
	a := &discordAdapter{cfg: cfg.Discord}
	if key, err := hex.DecodeString(cfg.Discord.WebhookToken); err == nil && len(key) == ed25519.PublicKeySize {
		a.publicKey = key
	}
	return a
}

// Validate refills r.Body from body before checking the signature:
// serveAdapter has already read the request body, and
// discordgo.VerifyInteraction reads the raw body from r itself. Ingest
// decodes the body slice, not r.Body.
func (a *discordAdapter) Validate(r *http.Request, body []byte) *apierr.Error {
	if len(a.publicKey) == 0 {
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	if !discordgo.VerifyInteraction(r, a.publicKey) {
		return apierr.Unavail("invalid discord interaction signature")
	}
	return nil
}

func (a *discordAdapter) Name() string { return "discord" }

func (a *discordAdapter) Ingest(body []byte, r *http.Request) (IngestResult, *apierr.Error) {
	var interaction discordgo.Interaction
	if err := json.Unmarshal(body, &interaction); err != nil {
		return IngestResult{}, apierr.Invalid("invalid discord interaction payload")
	}

	if interaction.Type == discordgo.InteractionPing {
		return IngestResult{}, apierr.Invalid("ping interaction carries no message")
	}

	text := discordInteractionText(&interaction)
	if text == "" {
		return IngestResult{}, apierr.Invalid("discord interaction has no usable text")
	}

	return IngestResult{
		ConversationID: interaction.ChannelID,
		Text:           text,
		MessageID:      interaction.ID,
		SourceSenderID: discordSenderID(&interaction),
	}, nil
}

func discordInteractionText(i *discordgo.Interaction) string {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		for _, opt := range data.Options {
			if opt.Type == discordgo.ApplicationCommandOptionString {
				if s, ok := opt.Value.(string); ok && s != "" {
					return s
				}
			}
		}
		return data.Name
	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		for _, row := range data.Components {
			if actionRow, ok := row.(*discordgo.ActionsRow); ok {
				for _, comp := range actionRow.Components {
					if input, ok := comp.(*discordgo.TextInput); ok && input.Value != "" {
						return input.Value
					}
				}
			}
		}
	}
	return ""
}

func discordSenderID(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (a *discordAdapter) Outbound() (OutboundConfig, bool) {
	if a.cfg.OutboundURL == "" {
		return OutboundConfig{}, false
	}
	return OutboundConfig{URL: a.cfg.OutboundURL, Token: a.cfg.OutboundToken}, true
}
