package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
	"github.com/basket/planbot/internal/status"
)

// CheckRegistrations walks the pending registration tasks and applies
// the remote verdict: completed/finished approves the executor,
// cancelled/rejected rejects them, anything else stays pending. Links
// whose local state already left pending are just dropped from
// tracking. Called each cycle and once at startup, so approvals issued
// while the bot was down still land.
func (p *Poller) CheckRegistrations(ctx context.Context) error {
	links, err := p.store.OpenTaskLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		if link.Kind != persistence.KindRegistration {
			continue
		}
		resolved := link.State != persistence.StatePending
		exec, err := p.store.ExecutorByUser(ctx, link.UserID)
		if err != nil && !errors.Is(err, persistence.ErrNotFound) {
			p.logger.Warn("executor lookup failed", "user_id", link.UserID, "error", err)
			continue
		}
		if err == nil {
			// The executor's own state is authoritative: an admin may
			// resolve it directly without touching the link.
			resolved = exec.State != persistence.StatePending
		}
		if resolved {
			p.tracker.Untrack(link.TaskID)
			continue
		}

		task, err := p.client.Task(ctx, link.TaskID)
		if errors.Is(err, planfix.ErrNotFound) {
			p.pruneTask(ctx, link.TaskID, "registration task gone")
			continue
		}
		if isRateLimited(err) {
			return err
		}
		if err != nil {
			p.logger.Warn("registration task fetch failed", "task_id", link.TaskID, "error", err)
			continue
		}

		key, ok := p.registry.KeyFor(task.Status.ID)
		if !ok {
			continue
		}
		switch key {
		case status.KeyCompleted, status.KeyFinished:
			p.resolveRegistration(ctx, link, persistence.StateApproved,
				"✅ Your executor registration was approved.")
		case status.KeyCancelled, status.KeyRejected:
			p.resolveRegistration(ctx, link, persistence.StateRejected,
				"❌ Your executor registration was declined.")
		}
	}
	return nil
}

func (p *Poller) resolveRegistration(ctx context.Context, link persistence.TaskLink, state, message string) {
	if err := p.store.SetExecutorState(ctx, link.UserID, state); err != nil {
		p.logger.Error("updating executor state failed",
			"task_id", link.TaskID, "user_id", link.UserID, "error", err)
		return
	}
	if err := p.store.SetTaskState(ctx, link.TaskID, state); err != nil {
		p.logger.Error("updating registration link failed", "task_id", link.TaskID, "error", err)
		return
	}
	p.tracker.Untrack(link.TaskID)
	p.audit(ctx, persistence.AuditExecutorChange, link.TaskID, link.ChatID, state)

	if link.ChatID != 0 {
		if err := p.dispatcher.NotifyText(ctx, link.ChatID, message); err != nil {
			// Verdict already durable; the message is best effort.
			p.logger.Warn("registration verdict notification failed",
				"task_id", link.TaskID, "error", err)
		}
	}
	p.logger.Info("registration resolved",
		"task_id", link.TaskID, "user_id", link.UserID, "state", state)
}

// RegisterExecutor opens the registration flow for a chat user: an
// executor profile plus a pending registration link. The caller has
// already created the remote task.
func (p *Poller) RegisterExecutor(ctx context.Context, taskID, chatID, userID int64, name string) error {
	if err := p.store.UpsertExecutor(ctx, persistence.ExecutorProfile{
		UserID: userID,
		ChatID: chatID,
		Name:   name,
		State:  persistence.StatePending,
	}); err != nil {
		return fmt.Errorf("store executor profile: %w", err)
	}
	if err := p.store.LinkTask(ctx, persistence.TaskLink{
		TaskID: taskID,
		ChatID: chatID,
		UserID: userID,
		Kind:   persistence.KindRegistration,
		State:  persistence.StatePending,
	}); err != nil {
		return fmt.Errorf("link registration task: %w", err)
	}
	p.tracker.Track(taskID)
	return nil
}
