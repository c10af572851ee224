package store

import (
	"context"
	"fmt"
)

// AppendAuditEvent records one operator-triggered action (cache clears,
// registry sync runs). Append-only, diagnostic, best consumed with a
// database client; no runtime component reads it back.
func (s *Store) AppendAuditEvent(ctx context.Context, action, detail, outcome string) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_events (action, detail, outcome) VALUES ($1, $2, $3);
		`, action, nullIfEmpty(detail), outcome)
		if err != nil {
			return fmt.Errorf("append audit event: %w", err)
		}
		return nil
	})
}
