package webhook

import (
	"context"
	"errors"
	"log/slog"

	"github.com/basket/planbot/internal/notify"
	"github.com/basket/planbot/internal/persistence"
	"github.com/basket/planbot/internal/planfix"
	"github.com/basket/planbot/internal/reconcile"
	"github.com/basket/planbot/internal/status"
)

// ingestTaskCreate announces a new task once and starts tracking it
// with the pushed status as baseline. A repeated delivery finds the
// task tracked and does nothing.
func (s *Server) ingestTaskCreate(ctx context.Context, logger *slog.Logger, ev event) error {
	if s.tracker.IsTracked(ev.TaskID) {
		return nil
	}

	chatID := s.adminChatID
	link, err := s.store.TaskLinkByID(ctx, ev.TaskID)
	switch {
	case err == nil:
		chatID = link.ChatID
	case !errors.Is(err, persistence.ErrNotFound):
		return err
	}

	if chatID != 0 {
		err := s.dispatcher.NotifyTaskCreated(ctx, chatID, notify.TaskNote{TaskID: ev.TaskID, TaskName: ev.TaskName})
		if err != nil {
			// Not tracked yet, so a redelivery or the next poll cycle
			// retries the announcement.
			return err
		}
	}
	if err := s.store.LinkTask(ctx, persistence.TaskLink{
		TaskID: ev.TaskID, ChatID: chatID, Kind: persistence.KindSupport, State: persistence.StateActive,
	}); err != nil {
		return err
	}
	s.tracker.Track(ev.TaskID)
	if ev.StatusID != 0 {
		s.tracker.SeedStatus(ev.TaskID, ev.StatusID)
	}
	s.audit(ctx, logger, persistence.AuditTaskCreated, ev.TaskID, chatID, ev.TaskName)
	logger.Info("task created via webhook", "task_id", ev.TaskID, "name", ev.TaskName)
	return nil
}

// audit appends to the durable trail, best effort.
func (s *Server) audit(ctx context.Context, logger *slog.Logger, action string, taskID, chatID int64, details string) {
	if err := s.store.RecordAudit(ctx, action, taskID, chatID, details); err != nil {
		logger.Warn("audit record failed", "action", action, "task_id", taskID, "error", err)
	}
}

// ingestTaskUpdate pushes an observed status through the tracker. An
// update for a linked but not yet tracked task seeds silently, exactly
// like the poller's first observation, so events arriving before the
// seed phase never produce a bogus transition.
func (s *Server) ingestTaskUpdate(ctx context.Context, logger *slog.Logger, ev event) error {
	if ev.StatusID == 0 {
		return errors.New("task.update without status_id")
	}
	link, err := s.store.TaskLinkByID(ctx, ev.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		logger.Info("update for unlinked task ignored", "task_id", ev.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	if link.Kind != persistence.KindSupport {
		return nil
	}
	s.tracker.Track(ev.TaskID)

	chatID := link.ChatID
	changed, err := s.tracker.ApplyStatus(ev.TaskID, ev.StatusID, func(oldID, newID int64) error {
		return s.dispatcher.NotifyStatus(ctx, chatID, notify.StatusChange{
			TaskID:   ev.TaskID,
			TaskName: ev.TaskName,
			OldLabel: s.registry.LabelFor(oldID),
			NewLabel: s.registry.LabelFor(newID),
		})
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.audit(ctx, logger, persistence.AuditStatusChanged, ev.TaskID, chatID, s.registry.LabelFor(ev.StatusID))

	if key, ok := s.registry.KeyFor(ev.StatusID); ok && isTerminal(key) {
		if err := s.store.CompleteAssignments(ctx, ev.TaskID); err != nil {
			logger.Error("completing assignments failed", "task_id", ev.TaskID, "error", err)
		}
		if err := s.store.SetTaskState(ctx, ev.TaskID, persistence.StateClosed); err != nil {
			logger.Error("closing task link failed", "task_id", ev.TaskID, "error", err)
		}
		s.tracker.Untrack(ev.TaskID)
		logger.Info("task closed via webhook", "task_id", ev.TaskID, "status", string(key))
	}
	return nil
}

// ingestCommentCreate pushes a single comment through the watermark
// rule. The first comment seen for a task seeds the watermark without
// delivery; redeliveries fall at or below the watermark and drop out.
func (s *Server) ingestCommentCreate(ctx context.Context, logger *slog.Logger, ev event) error {
	if ev.CommentID == 0 {
		return errors.New("comment.create without comment_id")
	}
	link, err := s.store.TaskLinkByID(ctx, ev.TaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		logger.Info("comment for unlinked task ignored", "task_id", ev.TaskID)
		return nil
	}
	if err != nil {
		return err
	}
	if link.Kind != persistence.KindSupport {
		return nil
	}
	s.tracker.Track(ev.TaskID)

	chatID := link.ChatID
	comment := planfix.Comment{
		ID:          ev.CommentID,
		Description: ev.Comment,
		Owner:       planfix.Person{Name: ev.Author},
	}
	_, err = s.tracker.ApplyComments(ev.TaskID, []planfix.Comment{comment}, func(c planfix.Comment) error {
		if reconcile.IsAutomationAuthor(c.Owner.Name) {
			return nil
		}
		text := notify.CleanHTML(c.Description)
		if text == "" {
			return nil
		}
		err := s.dispatcher.NotifyComment(ctx, chatID, notify.CommentNote{
			TaskID: ev.TaskID,
			Author: c.Owner.Name,
			Text:   text,
		})
		if err == nil {
			if s.metrics != nil {
				s.metrics.NotificationsSent.Add(ctx, 1)
			}
			s.audit(ctx, logger, persistence.AuditCommentPosted, ev.TaskID, chatID, c.Owner.Name)
		}
		return err
	})
	if err != nil {
		logger.Warn("comment delivery failed", "task_id", ev.TaskID, "comment_id", ev.CommentID, "error", err)
	}
	return nil
}

func isTerminal(key status.Key) bool {
	switch key {
	case status.KeyCompleted, status.KeyFinished, status.KeyCancelled, status.KeyRejected:
		return true
	}
	return false
}
