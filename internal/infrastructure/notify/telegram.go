package notify

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// TelegramNotifier pushes status messages to a chat. A nil bot (no token
// configured) makes every call a no-op so callers never need to check.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *zap.Logger
}

func NewTelegramNotifier(token string, chatID int64, logger *zap.Logger) *TelegramNotifier {
	n := &TelegramNotifier{chatID: chatID, logger: logger}

	if token == "" || chatID == 0 {
		logger.Info("Telegram notifications disabled")
		return n
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		logger.Error("Failed to init Telegram bot, notifications disabled", zap.Error(err))
		return n
	}

	n.bot = bot
	logger.Info("Telegram notifications enabled", zap.String("bot", bot.Self.UserName))
	return n
}

// Notify sends asynchronously. Delivery failures are logged and dropped;
// trading never waits on Telegram.
func (n *TelegramNotifier) Notify(text string) {
	if n.bot == nil {
		return
	}

	go func() {
		msg := tgbotapi.NewMessage(n.chatID, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn("Failed to send Telegram message", zap.Error(err))
		}
	}()
}
