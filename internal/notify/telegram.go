package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramDispatcher sends notifications through the Telegram Bot API.
type TelegramDispatcher struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

func NewTelegramDispatcher(token string, logger *slog.Logger) (*TelegramDispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	logger.Info("telegram dispatcher ready", "user", bot.Self.UserName)
	return &TelegramDispatcher{bot: bot, logger: logger}, nil
}

func (d *TelegramDispatcher) NotifyTaskCreated(ctx context.Context, chatID int64, n TaskNote) error {
	return d.send(ctx, chatID, FormatTaskCreated(n))
}

func (d *TelegramDispatcher) NotifyStatus(ctx context.Context, chatID int64, n StatusChange) error {
	return d.send(ctx, chatID, FormatStatus(n))
}

func (d *TelegramDispatcher) NotifyComment(ctx context.Context, chatID int64, n CommentNote) error {
	return d.send(ctx, chatID, FormatComment(n))
}

func (d *TelegramDispatcher) NotifyText(ctx context.Context, chatID int64, text string) error {
	return d.send(ctx, chatID, text)
}

func (d *TelegramDispatcher) send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := d.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	return nil
}
