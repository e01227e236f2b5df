package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertExecutor stores or refreshes a registration candidate's profile.
func (s *Store) UpsertExecutor(ctx context.Context, p ExecutorProfile) error {
	if p.State == "" {
		p.State = StatePending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executor_profiles (user_id, chat_id, name, planfix_user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			name = excluded.name,
			planfix_user_id = excluded.planfix_user_id,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP;
	`, p.UserID, p.ChatID, p.Name, p.PlanfixUserID, p.State)
	if err != nil {
		return fmt.Errorf("upsert executor %d: %w", p.UserID, err)
	}
	return nil
}

// ExecutorByUser returns one executor profile, or ErrNotFound.
func (s *Store) ExecutorByUser(ctx context.Context, userID int64) (ExecutorProfile, error) {
	var p ExecutorProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, chat_id, name, planfix_user_id, state, created_at, updated_at
		FROM executor_profiles
		WHERE user_id = ?;
	`, userID).Scan(&p.UserID, &p.ChatID, &p.Name, &p.PlanfixUserID, &p.State, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecutorProfile{}, ErrNotFound
	}
	if err != nil {
		return ExecutorProfile{}, fmt.Errorf("query executor %d: %w", userID, err)
	}
	return p, nil
}

// SetExecutorState moves an executor profile between pending/approved/rejected.
func (s *Store) SetExecutorState(ctx context.Context, userID int64, state string) error {
	switch state {
	case StatePending, StateApproved, StateRejected:
	default:
		return fmt.Errorf("invalid executor state %q", state)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE executor_profiles
		SET state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?;
	`, state, userID)
	if err != nil {
		return fmt.Errorf("set executor %d state: %w", userID, err)
	}
	return nil
}
