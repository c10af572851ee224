package store

import (
	"context"
	"fmt"
	"time"
)

// User is a Telegram subscriber, created or refreshed on every /start.
type User struct {
	UserID       string
	Username     string
	FirstName    string
	LastName     string
	LanguageCode string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Subscription links a user to a branch. Deactivation is soft so a later
// re-subscribe reactivates the same row.
type Subscription struct {
	ID         int64
	UserID     string
	BranchID   string
	BranchName string
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UpsertUser creates a subscriber row or refreshes its display fields.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO telegram_users (user_id, username, first_name, last_name, language_code, is_active)
			VALUES ($1, $2, $3, $4, $5, true)
			ON CONFLICT (user_id) DO UPDATE SET
				username      = EXCLUDED.username,
				first_name    = EXCLUDED.first_name,
				last_name     = EXCLUDED.last_name,
				language_code = EXCLUDED.language_code,
				is_active     = true,
				updated_at    = now();
		`, u.UserID, nullIfEmpty(u.Username), nullIfEmpty(u.FirstName), nullIfEmpty(u.LastName), nullIfEmpty(u.LanguageCode))
		if err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

// ActiveSubscriptionsForUser returns the user's active subscriptions.
func (s *Store) ActiveSubscriptionsForUser(ctx context.Context, userID string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT id, user_id, branch_id, branch_name, is_active, created_at, updated_at
		FROM telegram_subscriptions
		WHERE user_id = $1 AND is_active = true
		ORDER BY branch_name ASC;
	`, userID)
}

// AllSubscriptionsForUser returns every subscription row for a user,
// active or not, for the confirm-selection reconcile.
func (s *Store) AllSubscriptionsForUser(ctx context.Context, userID string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT id, user_id, branch_id, branch_name, is_active, created_at, updated_at
		FROM telegram_subscriptions
		WHERE user_id = $1
		ORDER BY branch_name ASC;
	`, userID)
}

// ActiveSubscribersForBranch returns the active subscriptions pointing at a
// branch; the dispatcher fans each fresh review out to exactly this set.
func (s *Store) ActiveSubscribersForBranch(ctx context.Context, branchID string) ([]Subscription, error) {
	return s.querySubscriptions(ctx, `
		SELECT id, user_id, branch_id, branch_name, is_active, created_at, updated_at
		FROM telegram_subscriptions
		WHERE branch_id = $1 AND is_active = true;
	`, branchID)
}

// DistinctActiveChatIDs returns the deduplicated set of user ids that hold
// at least one active subscription. Used by the system broadcast path.
func (s *Store) DistinctActiveChatIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM telegram_subscriptions WHERE is_active = true;
	`)
	if err != nil {
		return nil, fmt.Errorf("distinct active chat ids: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReconcileSubscriptions makes the user's active set equal exactly the
// selected branches: dropped rows are deactivated, previously-inactive
// chosen rows are reactivated in place, and genuinely new choices are
// inserted. Runs in one transaction so a crash leaves the prior set intact.
func (s *Store) ReconcileSubscriptions(ctx context.Context, userID string, selected map[string]string) error {
	return retryOnSerialization(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reconcile tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id, branch_id, is_active FROM telegram_subscriptions
			WHERE user_id = $1
			FOR UPDATE;
		`, userID)
		if err != nil {
			return fmt.Errorf("lock subscriptions: %w", err)
		}
		existing := make(map[string]struct {
			id     int64
			active bool
		})
		for rows.Next() {
			var (
				id       int64
				branchID string
				active   bool
			)
			if err := rows.Scan(&id, &branchID, &active); err != nil {
				rows.Close()
				return fmt.Errorf("scan subscription: %w", err)
			}
			existing[branchID] = struct {
				id     int64
				active bool
			}{id, active}
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("close subscription rows: %w", err)
		}

		for branchID, row := range existing {
			_, chosen := selected[branchID]
			switch {
			case !chosen && row.active:
				if _, err := tx.ExecContext(ctx, `
					UPDATE telegram_subscriptions SET is_active = false, updated_at = now() WHERE id = $1;
				`, row.id); err != nil {
					return fmt.Errorf("deactivate subscription: %w", err)
				}
			case chosen && !row.active:
				if _, err := tx.ExecContext(ctx, `
					UPDATE telegram_subscriptions SET is_active = true, updated_at = now() WHERE id = $1;
				`, row.id); err != nil {
					return fmt.Errorf("reactivate subscription: %w", err)
				}
			}
		}

		for branchID, branchName := range selected {
			if _, ok := existing[branchID]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO telegram_subscriptions (user_id, branch_id, branch_name, is_active)
				VALUES ($1, $2, $3, true);
			`, userID, branchID, branchName); err != nil {
				return fmt.Errorf("insert subscription: %w", err)
			}
		}
		return tx.Commit()
	})
}

// DeactivateAllSubscriptions soft-deactivates every active row for a user
// and reports how many were flipped.
func (s *Store) DeactivateAllSubscriptions(ctx context.Context, userID string) (int, error) {
	var n int64
	err := retryOnSerialization(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE telegram_subscriptions SET is_active = false, updated_at = now()
			WHERE user_id = $1 AND is_active = true;
		`, userID)
		if err != nil {
			return fmt.Errorf("deactivate all subscriptions: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.BranchID, &sub.BranchName,
			&sub.IsActive, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}
