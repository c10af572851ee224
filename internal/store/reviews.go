package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Review is one stored user review. Rating is a pointer because the
// upstream occasionally delivers unrated records; those are stored but
// excluded from aggregates.
type Review struct {
	ReviewID       string
	BranchID       string
	BranchName     string
	UserName       string
	Rating         *int
	Text           string
	DateCreated    *time.Time
	DateEdited     *time.Time
	IsVerified     bool
	LikesCount     int
	CommentsCount  int
	PhotosCount    int
	PhotosURLs     []string
	SentToTelegram bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ReviewFilter holds the query parameters of the /api/v1/reviews endpoint.
type ReviewFilter struct {
	BranchID     string
	Rating       *int
	VerifiedOnly bool
	DateFrom     *time.Time
	DateTo       *time.Time
	Search       string
	SortBy       string // date_created | rating | likes_count
	Order        string // asc | desc
	Skip         int
	Limit        int
}

// InsertReviewsIgnoringDuplicates inserts each review whose review_id is
// absent and reports how many rows were actually written. Existing rows are
// left untouched; the ON CONFLICT DO NOTHING path makes a duplicate insert
// a no-op rather than an error.
func (s *Store) InsertReviewsIgnoringDuplicates(ctx context.Context, branchID, branchName string, reviews []Review) (int, error) {
	if len(reviews) == 0 {
		return 0, nil
	}

	var inserted int
	err := retryOnSerialization(ctx, 5, func() error {
		inserted = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert reviews tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, r := range reviews {
			if r.ReviewID == "" {
				continue
			}
			photos, err := json.Marshal(r.PhotosURLs)
			if err != nil {
				return fmt.Errorf("marshal photos for %s: %w", r.ReviewID, err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO reviews (
					review_id, branch_id, branch_name, user_name, rating, text,
					date_created, date_edited, is_verified, likes_count,
					comments_count, photos_count, photos_urls
				)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				ON CONFLICT (review_id) DO NOTHING;
			`, r.ReviewID, branchID, branchName, r.UserName, nullIntPtr(r.Rating), r.Text,
				nullTimePtr(r.DateCreated), nullTimePtr(r.DateEdited), r.IsVerified,
				r.LikesCount, r.CommentsCount, r.PhotosCount, photos)
			if err != nil {
				return fmt.Errorf("insert review %s: %w", r.ReviewID, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected for %s: %w", r.ReviewID, err)
			}
			inserted += int(n)
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ListExistingReviewIDs returns the set of review ids already stored for a
// branch. The scheduler uses it to prune upstream pages before inserting.
func (s *Store) ListExistingReviewIDs(ctx context.Context, branchID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT review_id FROM reviews WHERE branch_id = $1;`, branchID)
	if err != nil {
		return nil, fmt.Errorf("list existing review ids: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan review id: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// LatestReviewTimestamp reports the newest date_created for a branch, or nil
// when the branch has no reviews. Informational only; the scheduler diffs by
// id, never by timestamp.
func (s *Store) LatestReviewTimestamp(ctx context.Context, branchID string) (*time.Time, error) {
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(date_created) FROM reviews WHERE branch_id = $1;
	`, branchID).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("latest review timestamp: %w", err)
	}
	if !ts.Valid {
		return nil, nil
	}
	t := ts.Time
	return &t, nil
}

// MarkNotified flips sent_to_telegram for a single review. Idempotent.
func (s *Store) MarkNotified(ctx context.Context, reviewID string) error {
	return retryOnSerialization(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE reviews SET sent_to_telegram = true, updated_at = now()
			WHERE review_id = $1;
		`, reviewID)
		if err != nil {
			return fmt.Errorf("mark notified %s: %w", reviewID, err)
		}
		return nil
	})
}

// ListUnsentReviews returns up to limit reviews with sent_to_telegram=false,
// newest first so fresh reviews surface before any backlog.
func (s *Store) ListUnsentReviews(ctx context.Context, limit int) ([]Review, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, reviewSelect+`
		WHERE sent_to_telegram = false
		ORDER BY date_created DESC NULLS LAST
		LIMIT $1;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsent reviews: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

// GetReview looks up a single review by its upstream id.
func (s *Store) GetReview(ctx context.Context, reviewID string) (Review, error) {
	row := s.db.QueryRowContext(ctx, reviewSelect+` WHERE review_id = $1;`, reviewID)
	r, err := scanReview(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Review{}, ErrNotFound
	}
	if err != nil {
		return Review{}, fmt.Errorf("get review: %w", err)
	}
	return r, nil
}

// ListReviews serves the filtered/sorted/paginated reviews listing.
func (s *Store) ListReviews(ctx context.Context, f ReviewFilter) ([]Review, error) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.BranchID != "" {
		conds = append(conds, "branch_id = "+arg(f.BranchID))
	}
	if f.Rating != nil {
		conds = append(conds, "rating = "+arg(*f.Rating))
	}
	if f.VerifiedOnly {
		conds = append(conds, "is_verified = true")
	}
	if f.DateFrom != nil {
		conds = append(conds, "date_created >= "+arg(*f.DateFrom))
	}
	if f.DateTo != nil {
		conds = append(conds, "date_created <= "+arg(*f.DateTo))
	}
	if f.Search != "" {
		conds = append(conds, "text ILIKE "+arg("%"+f.Search+"%"))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	sortCol := "date_created"
	switch f.SortBy {
	case "rating":
		sortCol = "rating"
	case "likes_count":
		sortCol = "likes_count"
	}
	dir := "DESC"
	if strings.EqualFold(f.Order, "asc") {
		dir = "ASC"
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	query := reviewSelect + where +
		fmt.Sprintf(" ORDER BY %s %s NULLS LAST OFFSET %s LIMIT %s;", sortCol, dir, arg(f.Skip), arg(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

// ListReviewsByPeriod returns reviews for a branch within [from, to]
// inclusive, newest first, for the bot's browse flow. It returns at most
// limit rows; the browse flow asks for one row more than a page so it can
// tell whether a "show more" page exists.
func (s *Store) ListReviewsByPeriod(ctx context.Context, branchID string, from, to time.Time, offset, limit int) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, reviewSelect+`
		WHERE branch_id = $1 AND date_created >= $2 AND date_created <= $3
		ORDER BY date_created DESC
		OFFSET $4 LIMIT $5;
	`, branchID, from, to, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list reviews by period: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

// LatestReviewsForBranch returns the count newest reviews of a branch.
func (s *Store) LatestReviewsForBranch(ctx context.Context, branchID string, count int) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, reviewSelect+`
		WHERE branch_id = $1
		ORDER BY date_created DESC NULLS LAST
		LIMIT $2;
	`, branchID, count)
	if err != nil {
		return nil, fmt.Errorf("latest reviews for branch: %w", err)
	}
	defer rows.Close()
	return scanReviews(rows)
}

// CountReviews returns the total number of stored reviews.
func (s *Store) CountReviews(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM reviews;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count reviews: %w", err)
	}
	return n, nil
}

// CountBranches returns the total number of stored branches.
func (s *Store) CountBranches(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM branches;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count branches: %w", err)
	}
	return n, nil
}

const reviewSelect = `
	SELECT review_id, branch_id, branch_name, COALESCE(user_name, ''), rating,
		COALESCE(text, ''), date_created, date_edited, is_verified,
		likes_count, comments_count, photos_count, photos_urls,
		sent_to_telegram, created_at, updated_at
	FROM reviews`

func scanReview(scan func(...any) error) (Review, error) {
	var (
		r           Review
		rating      sql.NullInt64
		dateCreated sql.NullTime
		dateEdited  sql.NullTime
		photosJSON  []byte
	)
	if err := scan(&r.ReviewID, &r.BranchID, &r.BranchName, &r.UserName, &rating,
		&r.Text, &dateCreated, &dateEdited, &r.IsVerified,
		&r.LikesCount, &r.CommentsCount, &r.PhotosCount, &photosJSON,
		&r.SentToTelegram, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Review{}, err
	}
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	if dateCreated.Valid {
		t := dateCreated.Time
		r.DateCreated = &t
	}
	if dateEdited.Valid {
		t := dateEdited.Time
		r.DateEdited = &t
	}
	if len(photosJSON) > 0 {
		if err := json.Unmarshal(photosJSON, &r.PhotosURLs); err != nil {
			return Review{}, fmt.Errorf("unmarshal photos_urls: %w", err)
		}
	}
	return r, nil
}

func scanReviews(rows *sql.Rows) ([]Review, error) {
	var out []Review
	for rows.Next() {
		r, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullIntPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullTimePtr(p *time.Time) any {
	if p == nil {
		return nil
	}
	return *p
}
