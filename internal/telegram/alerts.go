package telegram

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Alerter pushes provider-health notifications to the admin chat. It is the
// data manager's alert sink; a zero admin chat disables delivery.
type Alerter struct {
	bot         *Bot
	adminChatID int64
	log         zerolog.Logger
}

// NewAlerter wires alert delivery to the admin chat.
func NewAlerter(bot *Bot, adminChatID int64, log zerolog.Logger) *Alerter {
	return &Alerter{
		bot:         bot,
		adminChatID: adminChatID,
		log:         log.With().Str("component", "alerts").Logger(),
	}
}

// ProviderDown reports a provider that keeps failing to reconnect.
func (a *Alerter) ProviderDown(provider string, consecutive int, err error) {
	a.log.Warn().
		Str("provider", provider).
		Int("consecutive_failures", consecutive).
		Err(err).
		Msg("Provider down alert")

	detail := "no further detail"
	if err != nil {
		detail = err.Error()
	}
	text := fmt.Sprintf("*%s* has failed %d reconnect attempts and is in backoff.\nLast error: %s", provider, consecutive, detail)
	a.deliver("Provider down", text, "CRITICAL")
}

// ProviderRecovered reports a provider coming back after a down alert.
func (a *Alerter) ProviderRecovered(provider string) {
	a.log.Info().Str("provider", provider).Msg("Provider recovered alert")
	a.deliver("Provider recovered", fmt.Sprintf("*%s* is connected again.", provider), "INFO")
}

func (a *Alerter) deliver(title, message, severity string) {
	if a.adminChatID == 0 {
		return
	}

	var marker string
	switch severity {
	case "CRITICAL":
		marker = "[!]"
	case "WARNING":
		marker = "[~]"
	default:
		marker = "[i]"
	}

	a.bot.reply(a.adminChatID, fmt.Sprintf("%s *%s*\n\n%s", marker, title, message))
}
