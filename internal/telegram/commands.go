package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// handleStart handles the /start command
func handleStart(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	welcomeText := `Welcome to *QuantDesk*!

I'm your market intelligence assistant. Ask me anything about stocks and crypto in plain language, or use the commands below.

*Available Commands:*
/price <symbol> - Latest quote (e.g. /price AAPL)
/watch <symbol> - Add a symbol to your watch-list
/unwatch <symbol> - Remove a symbol from your watch-list
/watchlist - Show your watch-list
/status - Provider and session status
/help - Show this help message

*Examples:*
"What is the price of AAPL?"
"Compare TSLA and NVDA over the last month"
"Any news moving BTC-USD today?"`

	bot.reply(message.Chat.ID, welcomeText)
	return nil
}

// handleHelp handles the /help command
func handleHelp(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	helpText := `*QuantDesk - Command Reference*

*Market Commands:*
/price <symbol> - Latest quote with bid/ask
/watch <symbol> - Stream a symbol and add it to your watch-list
/unwatch <symbol> - Drop a symbol from your watch-list
/watchlist - Show your watch-list

*System Commands:*
/status - Data provider states and active sessions
/start - Show the welcome message
/help - Show this help message

Anything that is not a command is answered by the analysis agent: quotes, technicals, news, and symbol comparisons.`

	bot.reply(message.Chat.ID, helpText)
	return nil
}

// handlePrice handles /price <symbol>
func handlePrice(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	symbol := strings.ToUpper(strings.TrimSpace(message.CommandArguments()))
	if symbol == "" {
		bot.reply(message.Chat.ID, "Usage: /price <symbol>, e.g. /price AAPL")
		return nil
	}

	quote, err := bot.market.GetQuote(ctx, symbol)
	if err != nil {
		return fmt.Errorf("no quote for %s: %w", symbol, err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*%s*  $%.2f\n", quote.Symbol, quote.Price))
	if quote.Bid > 0 && quote.Ask > 0 {
		sb.WriteString(fmt.Sprintf("bid %.2f / ask %.2f\n", quote.Bid, quote.Ask))
	}
	sb.WriteString(fmt.Sprintf("as of %s via %s", quote.Timestamp.UTC().Format("15:04:05 MST"), quote.Provider))

	bot.reply(message.Chat.ID, sb.String())
	return nil
}

// handleWatch handles /watch <symbol>
func handleWatch(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	symbol := strings.ToUpper(strings.TrimSpace(message.CommandArguments()))
	if symbol == "" {
		bot.reply(message.Chat.ID, "Usage: /watch <symbol>, e.g. /watch MSFT")
		return nil
	}

	if err := bot.market.Subscribe(ctx, symbol); err != nil {
		return fmt.Errorf("cannot stream %s: %w", symbol, err)
	}

	sess := bot.sessions.GetOrCreate(sessionID(message.Chat.ID))
	if sess.Watch(symbol) {
		bot.reply(message.Chat.ID, fmt.Sprintf("Watching *%s*.", symbol))
	} else {
		bot.reply(message.Chat.ID, fmt.Sprintf("*%s* is already on your watch-list.", symbol))
	}
	return nil
}

// handleUnwatch handles /unwatch <symbol>
func handleUnwatch(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	symbol := strings.ToUpper(strings.TrimSpace(message.CommandArguments()))
	if symbol == "" {
		bot.reply(message.Chat.ID, "Usage: /unwatch <symbol>")
		return nil
	}

	sess := bot.sessions.GetOrCreate(sessionID(message.Chat.ID))
	if sess.Unwatch(symbol) {
		bot.reply(message.Chat.ID, fmt.Sprintf("Stopped watching *%s*.", symbol))
	} else {
		bot.reply(message.Chat.ID, fmt.Sprintf("*%s* was not on your watch-list.", symbol))
	}
	return nil
}

// handleWatchlist handles /watchlist
func handleWatchlist(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	sess := bot.sessions.GetOrCreate(sessionID(message.Chat.ID))
	symbols := sess.Watchlist()
	if len(symbols) == 0 {
		bot.reply(message.Chat.ID, "Your watch-list is empty. Add symbols with /watch <symbol>.")
		return nil
	}

	var sb strings.Builder
	sb.WriteString("*Your watch-list:*\n")
	for _, sym := range symbols {
		sb.WriteString(fmt.Sprintf("- %s\n", sym))
	}
	bot.reply(message.Chat.ID, sb.String())
	return nil
}

// handleStatus handles /status
func handleStatus(ctx context.Context, bot *Bot, message *tgbotapi.Message) error {
	var sb strings.Builder
	sb.WriteString("*QuantDesk Status*\n\n")

	sb.WriteString("*Providers:*\n")
	statuses := bot.market.ProviderStatus()
	if len(statuses) == 0 {
		sb.WriteString("none configured\n")
	}
	for _, p := range statuses {
		marker := "OK"
		if p.State != "connected" {
			marker = strings.ToUpper(p.State)
		}
		sb.WriteString(fmt.Sprintf("- %s (%s): %s", p.Provider, p.Class, marker))
		if len(p.Subscribed) > 0 {
			sb.WriteString(fmt.Sprintf(", streaming %d symbols", len(p.Subscribed)))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("\n*Active sessions:* %d\n", bot.sessions.Len()))

	bot.reply(message.Chat.ID, sb.String())
	return nil
}
