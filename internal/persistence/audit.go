package persistence

import (
	"context"
	"fmt"
)

// Audit actions the bot records.
const (
	AuditTaskCreated    = "task.created"
	AuditCommentPosted  = "comment.posted"
	AuditStatusChanged  = "status.changed"
	AuditExecutorChange = "executor.changed"
)

// RecordAudit appends one entry to the bot audit log.
func (s *Store) RecordAudit(ctx context.Context, action string, taskID, chatID int64, details string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_audit (action, task_id, chat_id, details, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, action, taskID, chatID, details)
	if err != nil {
		return fmt.Errorf("record audit %q: %w", action, err)
	}
	return nil
}

// AuditForTask returns the audit trail of one task, oldest first.
func (s *Store) AuditForTask(ctx context.Context, taskID int64) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, task_id, chat_id, details, created_at
		FROM bot_audit
		WHERE task_id = ?
		ORDER BY id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query audit for %d: %w", taskID, err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.TaskID, &e.ChatID, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit rows: %w", err)
	}
	return out, nil
}
