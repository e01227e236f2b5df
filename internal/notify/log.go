package notify

import (
	"context"
	"log/slog"
)

// LogDispatcher writes notifications to the log instead of a chat.
// Used when Telegram is disabled, so dry runs show exactly what would
// have been sent.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) NotifyTaskCreated(_ context.Context, chatID int64, n TaskNote) error {
	d.logger.Info("notification (dry run)", "chat_id", chatID, "text", FormatTaskCreated(n))
	return nil
}

func (d *LogDispatcher) NotifyStatus(_ context.Context, chatID int64, n StatusChange) error {
	d.logger.Info("notification (dry run)", "chat_id", chatID, "text", FormatStatus(n))
	return nil
}

func (d *LogDispatcher) NotifyComment(_ context.Context, chatID int64, n CommentNote) error {
	d.logger.Info("notification (dry run)", "chat_id", chatID, "text", FormatComment(n))
	return nil
}

func (d *LogDispatcher) NotifyText(_ context.Context, chatID int64, text string) error {
	d.logger.Info("notification (dry run)", "chat_id", chatID, "text", text)
	return nil
}
