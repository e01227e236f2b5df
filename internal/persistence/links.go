package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// LinkTask records the chat (and, for registrations, the user) a remote
// task was created for. Re-linking an existing task updates its row.
func (s *Store) LinkTask(ctx context.Context, link TaskLink) error {
	if link.Kind != KindSupport && link.Kind != KindRegistration {
		return fmt.Errorf("invalid task link kind %q", link.Kind)
	}
	if link.State == "" {
		if link.Kind == KindRegistration {
			link.State = StatePending
		} else {
			link.State = StateActive
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_links (task_id, chat_id, user_id, kind, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			user_id = excluded.user_id,
			kind = excluded.kind,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP;
	`, link.TaskID, link.ChatID, link.UserID, link.Kind, link.State)
	if err != nil {
		return fmt.Errorf("link task %d: %w", link.TaskID, err)
	}
	return nil
}

// TaskLinkByID returns the link for one task, or ErrNotFound.
func (s *Store) TaskLinkByID(ctx context.Context, taskID int64) (TaskLink, error) {
	var link TaskLink
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, chat_id, user_id, kind, state, created_at, updated_at
		FROM task_links
		WHERE task_id = ?;
	`, taskID).Scan(&link.TaskID, &link.ChatID, &link.UserID, &link.Kind, &link.State, &link.CreatedAt, &link.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskLink{}, ErrNotFound
	}
	if err != nil {
		return TaskLink{}, fmt.Errorf("query task link %d: %w", taskID, err)
	}
	return link, nil
}

// OpenTaskLinks returns every link the reconciler should watch:
// active support tasks and pending registrations.
func (s *Store) OpenTaskLinks(ctx context.Context) ([]TaskLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, chat_id, user_id, kind, state, created_at, updated_at
		FROM task_links
		WHERE state IN ('active', 'pending')
		ORDER BY task_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query open task links: %w", err)
	}
	defer rows.Close()

	var out []TaskLink
	for rows.Next() {
		var link TaskLink
		if err := rows.Scan(&link.TaskID, &link.ChatID, &link.UserID, &link.Kind, &link.State, &link.CreatedAt, &link.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task link: %w", err)
		}
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task link rows: %w", err)
	}
	return out, nil
}

// SetTaskState moves a link to a new state. Unknown tasks are a no-op.
func (s *Store) SetTaskState(ctx context.Context, taskID int64, state string) error {
	switch state {
	case StateActive, StatePending, StateApproved, StateRejected, StateClosed:
	default:
		return fmt.Errorf("invalid task link state %q", state)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_links
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE task_id = ?;
	`, state, taskID)
	if err != nil {
		return fmt.Errorf("set task %d state: %w", taskID, err)
	}
	return nil
}

// UnlinkTask removes a link and its assignments. Used when the remote
// task no longer exists.
func (s *Store) UnlinkTask(ctx context.Context, taskID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin unlink tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_links WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete task link %d: %w", taskID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignments WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("delete task %d assignments: %w", taskID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit unlink tx: %w", err)
	}
	return nil
}

// ReplaceAssignments reconciles the stored assignee set for a task
// against the remote one.
func (s *Store) ReplaceAssignments(ctx context.Context, taskID int64, userIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin assignment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_assignments WHERE task_id = ?;`, taskID); err != nil {
		return fmt.Errorf("clear assignments for %d: %w", taskID, err)
	}
	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_assignments (task_id, user_id, state, updated_at)
			VALUES (?, ?, 'active', CURRENT_TIMESTAMP);
		`, taskID, userID); err != nil {
			return fmt.Errorf("insert assignment %d/%d: %w", taskID, userID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit assignment tx: %w", err)
	}
	return nil
}

// CompleteAssignments marks every assignment of a task completed.
func (s *Store) CompleteAssignments(ctx context.Context, taskID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_assignments
		SET state = 'completed', updated_at = CURRENT_TIMESTAMP
		WHERE task_id = ?;
	`, taskID)
	if err != nil {
		return fmt.Errorf("complete assignments for %d: %w", taskID, err)
	}
	return nil
}

// Assignments returns the active assignee user ids for a task.
func (s *Store) Assignments(ctx context.Context, taskID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM task_assignments
		WHERE task_id = ? AND state = 'active'
		ORDER BY user_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query assignments for %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("assignment rows: %w", err)
	}
	return out, nil
}
