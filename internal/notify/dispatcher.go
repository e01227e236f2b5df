// Package notify delivers sync events to chat users. The reconciler
// and the webhook ingestor speak to the Dispatcher contract; the
// Telegram implementation is the only production one.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/planbot/internal/planfix"
)

// StatusChange describes a task moving between statuses.
type StatusChange struct {
	TaskID   int64
	TaskName string
	OldLabel string
	NewLabel string
}

// CommentNote describes a fresh comment on a tracked task.
type CommentNote struct {
	TaskID   int64
	TaskName string
	Author   string
	Text     string
}

// TaskNote describes a newly discovered task.
type TaskNote struct {
	TaskID   int64
	TaskName string
}

// Dispatcher is the outbound notification contract.
type Dispatcher interface {
	NotifyTaskCreated(ctx context.Context, chatID int64, n TaskNote) error
	NotifyStatus(ctx context.Context, chatID int64, n StatusChange) error
	NotifyComment(ctx context.Context, chatID int64, n CommentNote) error
	NotifyText(ctx context.Context, chatID int64, text string) error
}

// FormatTaskCreated renders the new-task notification text.
func FormatTaskCreated(n TaskNote) string {
	return fmt.Sprintf("🆕 Task #%d registered: %s", n.TaskID, n.TaskName)
}

// FormatStatus renders the status-change notification text.
func FormatStatus(n StatusChange) string {
	if n.OldLabel == "" {
		return fmt.Sprintf("📌 Task #%d «%s»: status is now %s", n.TaskID, n.TaskName, n.NewLabel)
	}
	return fmt.Sprintf("📌 Task #%d «%s»: %s → %s", n.TaskID, n.TaskName, n.OldLabel, n.NewLabel)
}

// FormatComment renders the new-comment notification text.
func FormatComment(n CommentNote) string {
	author := n.Author
	if author == "" {
		author = "Support"
	}
	return fmt.Sprintf("💬 %s on task #%d «%s»:\n%s", author, n.TaskID, n.TaskName, n.Text)
}

// FormatThrottled renders the user-facing throttle message with an
// approximate human wait.
func FormatThrottled(wait time.Duration) string {
	return fmt.Sprintf("⏳ The ticketing system is busy, please retry in %s.", planfix.HumanDuration(wait))
}
