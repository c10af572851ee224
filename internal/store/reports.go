package store

import (
	"context"
	"fmt"
	"time"
)

// ParseReport summarizes one ingestion run. Append-only.
type ParseReport struct {
	ID                 int64
	ParseDate          time.Time
	TotalBranches      int
	SuccessfulBranches int
	FailedBranches     int
	TotalReviews       int
	NewReviews         int
	DurationSeconds    float64
	Errors             string
	CreatedAt          time.Time
}

// InsertParseReport appends one report row.
func (s *Store) InsertParseReport(ctx context.Context, r ParseReport) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO parse_reports (
				parse_date, total_branches, successful_branches, failed_branches,
				total_reviews, new_reviews, duration_seconds, errors
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
		`, r.ParseDate, r.TotalBranches, r.SuccessfulBranches, r.FailedBranches,
			r.TotalReviews, r.NewReviews, r.DurationSeconds, nullIfEmpty(r.Errors))
		if err != nil {
			return fmt.Errorf("insert parse report: %w", err)
		}
		return nil
	})
}

// ListParseReports returns the most recent reports, newest first.
func (s *Store) ListParseReports(ctx context.Context, limit int) ([]ParseReport, error) {
	if limit <= 0 || limit > 500 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parse_date, total_branches, successful_branches, failed_branches,
			total_reviews, new_reviews, duration_seconds, COALESCE(errors, ''), created_at
		FROM parse_reports
		ORDER BY parse_date DESC
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list parse reports: %w", err)
	}
	defer rows.Close()

	var out []ParseReport
	for rows.Next() {
		var r ParseReport
		if err := rows.Scan(&r.ID, &r.ParseDate, &r.TotalBranches, &r.SuccessfulBranches,
			&r.FailedBranches, &r.TotalReviews, &r.NewReviews, &r.DurationSeconds,
			&r.Errors, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan parse report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
