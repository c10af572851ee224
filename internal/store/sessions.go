package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetUserState returns the raw session state JSON for a user, or ErrNotFound
// when no state exists (pruned, or never initialized).
func (s *Store) GetUserState(ctx context.Context, userID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state_data FROM telegram_user_states WHERE user_id = $1;
	`, userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user state: %w", err)
	}
	return data, nil
}

// SaveUserState upserts the session state for a user. Last writer wins,
// keeping the state single-valued per user.
func (s *Store) SaveUserState(ctx context.Context, userID string, data []byte) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO telegram_user_states (user_id, state_data)
			VALUES ($1, $2)
			ON CONFLICT (user_id) DO UPDATE SET
				state_data = EXCLUDED.state_data,
				updated_at = now();
		`, userID, data)
		if err != nil {
			return fmt.Errorf("save user state: %w", err)
		}
		return nil
	})
}

// ClearUserState removes a user's session state. Missing state is not an error.
func (s *Store) ClearUserState(ctx context.Context, userID string) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM telegram_user_states WHERE user_id = $1;`, userID)
		if err != nil {
			return fmt.Errorf("clear user state: %w", err)
		}
		return nil
	})
}

// DeleteStatesOlderThan harvests session states not touched since the
// cutoff. The bot runs it periodically with a one-hour horizon.
func (s *Store) DeleteStatesOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	var n int64
	err := retryOnSerialization(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM telegram_user_states WHERE updated_at < $1;
		`, cutoff)
		if err != nil {
			return fmt.Errorf("delete stale states: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}
