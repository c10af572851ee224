package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BranchStats aggregates a single branch's reviews. Unrated
// reviews count toward TotalReviews but never toward AverageRating or the
// histogram.
type BranchStats struct {
	BranchID        string
	BranchName      string
	TotalReviews    int64
	AverageRating   float64
	RatingHistogram map[string]int64
	VerifiedCount   int64
	LastReviewDate  *time.Time
}

// GlobalStats is the /api/v1/stats payload.
type GlobalStats struct {
	TotalReviews    int64
	TotalBranches   int64
	AverageRating   float64
	RatingHistogram map[string]int64
	ReviewsByMonth  map[string]int64
}

// DayActivity is one row of the /api/v1/stats/recent payload.
type DayActivity struct {
	Date          string
	ReviewsCount  int64
	AverageRating float64
}

// GetBranchStats computes per-branch aggregates.
func (s *Store) GetBranchStats(ctx context.Context, branchID string) (BranchStats, error) {
	st := BranchStats{
		BranchID:        branchID,
		RatingHistogram: emptyHistogram(),
	}

	var lastDate sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(branch_name), ''), COUNT(1),
			COALESCE(AVG(rating) FILTER (WHERE rating IS NOT NULL AND rating > 0), 0),
			COUNT(1) FILTER (WHERE is_verified),
			MAX(date_created)
		FROM reviews WHERE branch_id = $1;
	`, branchID).Scan(&st.BranchName, &st.TotalReviews, &st.AverageRating, &st.VerifiedCount, &lastDate)
	if err != nil {
		return BranchStats{}, fmt.Errorf("branch stats: %w", err)
	}
	if lastDate.Valid {
		t := lastDate.Time
		st.LastReviewDate = &t
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rating::int, COUNT(1) FROM reviews
		WHERE branch_id = $1 AND rating IS NOT NULL AND rating BETWEEN 1 AND 5
		GROUP BY rating::int;
	`, branchID)
	if err != nil {
		return BranchStats{}, fmt.Errorf("branch histogram: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rating int
		var count int64
		if err := rows.Scan(&rating, &count); err != nil {
			return BranchStats{}, fmt.Errorf("scan histogram: %w", err)
		}
		st.RatingHistogram[fmt.Sprintf("%d", rating)] = count
	}
	return st, rows.Err()
}

// GetGlobalStats computes store-wide aggregates plus a 12-month window of
// per-month review counts keyed YYYY-MM.
func (s *Store) GetGlobalStats(ctx context.Context) (GlobalStats, error) {
	st := GlobalStats{
		RatingHistogram: emptyHistogram(),
		ReviewsByMonth:  make(map[string]int64),
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(AVG(rating) FILTER (WHERE rating IS NOT NULL AND rating > 0), 0)
		FROM reviews;
	`).Scan(&st.TotalReviews, &st.AverageRating)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("global stats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM branches;`).Scan(&st.TotalBranches); err != nil {
		return GlobalStats{}, fmt.Errorf("global branch count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rating::int, COUNT(1) FROM reviews
		WHERE rating IS NOT NULL AND rating BETWEEN 1 AND 5
		GROUP BY rating::int;
	`)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("global histogram: %w", err)
	}
	for rows.Next() {
		var rating int
		var count int64
		if err := rows.Scan(&rating, &count); err != nil {
			rows.Close()
			return GlobalStats{}, fmt.Errorf("scan global histogram: %w", err)
		}
		st.RatingHistogram[fmt.Sprintf("%d", rating)] = count
	}
	if err := rows.Close(); err != nil {
		return GlobalStats{}, err
	}

	monthRows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_created, 'YYYY-MM'), COUNT(1)
		FROM reviews
		WHERE date_created >= now() - INTERVAL '12 months' AND date_created IS NOT NULL
		GROUP BY 1
		ORDER BY 1;
	`)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("reviews by month: %w", err)
	}
	defer monthRows.Close()
	for monthRows.Next() {
		var month string
		var count int64
		if err := monthRows.Scan(&month, &count); err != nil {
			return GlobalStats{}, fmt.Errorf("scan month: %w", err)
		}
		st.ReviewsByMonth[month] = count
	}
	return st, monthRows.Err()
}

// GetRecentActivity returns per-day counts and mean rating for the last
// days days, oldest first.
func (s *Store) GetRecentActivity(ctx context.Context, days int) ([]DayActivity, error) {
	if days < 1 {
		days = 1
	}
	if days > 90 {
		days = 90
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(date_created, 'YYYY-MM-DD'), COUNT(1),
			COALESCE(AVG(rating) FILTER (WHERE rating IS NOT NULL AND rating > 0), 0)
		FROM reviews
		WHERE date_created >= now() - $1 * INTERVAL '1 day' AND date_created IS NOT NULL
		GROUP BY 1
		ORDER BY 1;
	`, days)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	var out []DayActivity
	for rows.Next() {
		var d DayActivity
		if err := rows.Scan(&d.Date, &d.ReviewsCount, &d.AverageRating); err != nil {
			return nil, fmt.Errorf("scan day activity: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func emptyHistogram() map[string]int64 {
	return map[string]int64{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0}
}
