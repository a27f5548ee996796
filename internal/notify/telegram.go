package notify

import (
	"fmt"

	"greencandle-go/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink sends messages to one chat per channel.
type TelegramSink struct {
	bot    botSender
	chats  map[string]int64
	logger *zap.Logger
}

// NewTelegramSink connects the bot.
func NewTelegramSink(cfg *config.Telegram, logger *zap.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	logger.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return &TelegramSink{bot: bot, chats: cfg.Chats, logger: logger.Named("telegram")}, nil
}

func (s *TelegramSink) Emit(channel string, msg Message) {
	chatID, ok := s.chats[channel]
	if !ok {
		return
	}
	if _, err := s.bot.Send(tgbotapi.NewMessage(chatID, msg.Text)); err != nil {
		s.logger.Error("send telegram message", zap.String("channel", channel), zap.Error(err))
	}
}
