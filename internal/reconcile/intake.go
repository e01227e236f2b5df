package reconcile

import (
	"context"
	"fmt"

	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
	"github.com/basket/planbot/internal/status"
)

// Chat-facing entry points. The conversational layer calls these; the
// sync loop itself only reads from the remote side.

// OpenSupportTask creates a support ticket for a chat user and starts
// tracking it. The creating chat is the notification target from the
// first moment, so no discovery announcement fires for it later.
func (p *Poller) OpenSupportTask(ctx context.Context, chatID, userID int64, subject, body string) (int64, error) {
	taskID, err := p.client.CreateTask(ctx, planfix.CreateTaskRequest{
		Name:        subject,
		Description: body,
		ProcessID:   p.processID,
	})
	if err != nil {
		return 0, fmt.Errorf("create support task: %w", err)
	}
	if err := p.store.LinkTask(ctx, persistence.TaskLink{
		TaskID: taskID,
		ChatID: chatID,
		UserID: userID,
		Kind:   persistence.KindSupport,
		State:  persistence.StateActive,
	}); err != nil {
		return taskID, fmt.Errorf("link support task: %w", err)
	}
	p.tracker.Track(taskID)
	p.audit(ctx, persistence.AuditTaskCreated, taskID, chatID, subject)
	p.logger.Info("support task opened", "task_id", taskID, "chat_id", chatID)
	return taskID, nil
}

// RelayUserComment posts a chat user's reply onto their ticket and
// bumps the watermark past it so the sync loop does not echo it back.
func (p *Poller) RelayUserComment(ctx context.Context, taskID int64, text string) error {
	commentID, err := p.client.AddComment(ctx, taskID, text)
	if err != nil {
		return fmt.Errorf("relay comment to task %d: %w", taskID, err)
	}
	p.tracker.SeedWatermark(taskID, commentID)
	link, err := p.store.TaskLinkByID(ctx, taskID)
	if err == nil {
		p.audit(ctx, persistence.AuditCommentPosted, taskID, link.ChatID, "user reply")
	}
	return nil
}

// ConfirmCompletion moves a ticket to the completed status on the
// user's behalf. The resulting transition is observed and notified by
// the normal diff path.
func (p *Poller) ConfirmCompletion(ctx context.Context, taskID int64) error {
	completedID, err := p.registry.Resolve(status.KeyCompleted, true)
	if err != nil {
		return err
	}
	if err := p.client.UpdateTaskStatus(ctx, taskID, completedID); err != nil {
		return fmt.Errorf("complete task %d: %w", taskID, err)
	}
	return nil
}
