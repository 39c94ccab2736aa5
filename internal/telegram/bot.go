// Package telegram is the optional chat front end: a long-polling bot with
// market commands, free-text agent queries keyed by chat, and the
// operational alert sink for provider health.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/agent"
	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/data"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/state"
)

const (
	parseModeMarkdown = "Markdown"

	commandTimeout = 30 * time.Second
	queryTimeout   = 2 * time.Minute
)

// MarketData is the slice of the data manager the bot commands use.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (market.Quote, error)
	Subscribe(ctx context.Context, ids ...string) error
	ProviderStatus() []data.ProviderStatus
}

// QueryRunner executes one agent turn against a session.
type QueryRunner interface {
	Run(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error)
}

// CommandHandler handles one bot command.
type CommandHandler func(ctx context.Context, bot *Bot, message *tgbotapi.Message) error

// Bot is the Telegram front end.
type Bot struct {
	api      *tgbotapi.BotAPI
	send     func(tgbotapi.Chattable) (tgbotapi.Message, error)
	market   MarketData
	agent    QueryRunner
	sessions *state.Store
	handlers map[string]CommandHandler

	pollTimeout int
	log         zerolog.Logger
}

// NewBot authorizes against the Telegram API and wires the command set.
func NewBot(cfg config.TelegramConfig, marketData MarketData, runner QueryRunner, sessions *state.Store, log zerolog.Logger) (*Bot, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	b := newBot(cfg, marketData, runner, sessions, log)
	b.api = api
	b.send = api.Send

	b.log.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return b, nil
}

// newBot builds the bot without a live API client. Tests inject a fake send.
func newBot(cfg config.TelegramConfig, marketData MarketData, runner QueryRunner, sessions *state.Store, log zerolog.Logger) *Bot {
	pollTimeout := cfg.PollingTimeout
	if pollTimeout <= 0 {
		pollTimeout = 30
	}

	b := &Bot{
		market:      marketData,
		agent:       runner,
		sessions:    sessions,
		handlers:    make(map[string]CommandHandler),
		pollTimeout: pollTimeout,
		log:         log.With().Str("component", "telegram").Logger(),
	}
	b.registerDefaultHandlers()
	return b
}

func (b *Bot) registerDefaultHandlers() {
	b.RegisterHandler("start", handleStart)
	b.RegisterHandler("help", handleHelp)
	b.RegisterHandler("price", handlePrice)
	b.RegisterHandler("watch", handleWatch)
	b.RegisterHandler("unwatch", handleUnwatch)
	b.RegisterHandler("watchlist", handleWatchlist)
	b.RegisterHandler("status", handleStatus)
}

// RegisterHandler registers a command handler.
func (b *Bot) RegisterHandler(command string, handler CommandHandler) {
	b.handlers[command] = handler
}

// Run polls for updates until the context ends.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollTimeout

	updates := b.api.GetUpdatesChan(u)
	b.log.Info().Msg("Telegram bot polling for updates")

	for {
		select {
		case <-ctx.Done():
			b.log.Info().Msg("Telegram bot shutting down")
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			if update.Message == nil {
				continue
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	message := update.Message
	if message == nil || message.Text == "" {
		return
	}

	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}
	b.handleQuery(ctx, message)
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	command := message.Command()
	b.log.Info().
		Str("command", command).
		Int64("chat_id", message.Chat.ID).
		Msg("Received command")

	handler, exists := b.handlers[command]
	if !exists {
		b.reply(message.Chat.ID, "Unknown command. Use /help to see available commands.")
		return
	}

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := handler(cmdCtx, b, message); err != nil {
		b.log.Error().
			Err(err).
			Str("command", command).
			Int64("chat_id", message.Chat.ID).
			Msg("Command handler failed")
		b.reply(message.Chat.ID, fmt.Sprintf("Error: %v", err))
	}
}

// handleQuery feeds free-form text to the agent under this chat's session.
func (b *Bot) handleQuery(ctx context.Context, message *tgbotapi.Message) {
	sess := b.sessions.GetOrCreate(sessionID(message.Chat.ID))

	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	turn, err := b.agent.Run(queryCtx, sess, message.Text)
	if err != nil {
		b.log.Warn().
			Err(err).
			Int64("chat_id", message.Chat.ID).
			Msg("Agent query failed")
		b.reply(message.Chat.ID, queryErrorText(err))
		return
	}

	answer := turn.Answer
	if turn.Truncated {
		answer += "\n\n_Analysis hit the step limit; details may be partial._"
	}
	b.reply(message.Chat.ID, answer)
}

func queryErrorText(err error) string {
	switch {
	case errors.Is(err, state.ErrTurnActive):
		return "I'm still working on your previous question. One moment."
	case errors.Is(err, agent.ErrCancelled):
		return "That query was cancelled."
	case errors.Is(err, llm.ErrUnavailable):
		return "The analysis engine is unavailable right now. Please try again shortly."
	case errors.Is(err, market.ErrRateLimited):
		return "Rate limited upstream. Please try again in a minute."
	default:
		return "Something went wrong answering that. Please try again."
	}
}

func (b *Bot) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseModeMarkdown
	if _, err := b.send(msg); err != nil {
		b.log.Error().Err(err).Int64("chat_id", chatID).Msg("Failed to send message")
	}
}

// sessionID keys chat sessions so the API and bot never collide.
func sessionID(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}
