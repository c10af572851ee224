package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Branch is a single tracked retail location.
type Branch struct {
	BranchID   string
	BranchName string
	City       string
	Address    string
	IDAltA     string
	IDAltB     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// BranchWithStats adds the denormalized aggregate fields the branches
// listing endpoint returns.
type BranchWithStats struct {
	Branch
	TotalReviews  int64
	AverageRating float64
}

// UpsertBranch inserts a new branch or updates display fields on an
// existing one. Returns whether
// the branch was newly created.
func (s *Store) UpsertBranch(ctx context.Context, b Branch) (created bool, err error) {
	err = retryOnSerialization(ctx, 5, func() error {
		// xmax = 0 on the returned row is Postgres's standard tell for
		// "this row was just inserted, not updated" under ON CONFLICT.
		row := s.db.QueryRowContext(ctx, `
			INSERT INTO branches (branch_id, branch_name, city, address, id_alt_a, id_alt_b)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (branch_id) DO UPDATE SET
				branch_name = EXCLUDED.branch_name,
				city        = EXCLUDED.city,
				address     = EXCLUDED.address,
				id_alt_a    = EXCLUDED.id_alt_a,
				id_alt_b    = EXCLUDED.id_alt_b,
				updated_at  = now()
			RETURNING (xmax = 0);
		`, b.BranchID, b.BranchName, nullIfEmpty(b.City), nullIfEmpty(b.Address), nullIfEmpty(b.IDAltA), nullIfEmpty(b.IDAltB))
		if scanErr := row.Scan(&created); scanErr != nil {
			return fmt.Errorf("upsert branch: %w", scanErr)
		}
		return nil
	})
	return created, err
}

// GetBranch looks up a single branch by its upstream id.
func (s *Store) GetBranch(ctx context.Context, branchID string) (Branch, error) {
	var b Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, branch_name, COALESCE(city,''), COALESCE(address,''),
			COALESCE(id_alt_a,''), COALESCE(id_alt_b,''), created_at, updated_at
		FROM branches WHERE branch_id = $1;
	`, branchID).Scan(&b.BranchID, &b.BranchName, &b.City, &b.Address, &b.IDAltA, &b.IDAltB, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch: %w", err)
	}
	return b, nil
}

// GetBranchByAltID resolves a cross-system id (e.g. id_iiko) to a branch.
func (s *Store) GetBranchByAltID(ctx context.Context, altID string) (Branch, error) {
	var b Branch
	err := s.db.QueryRowContext(ctx, `
		SELECT branch_id, branch_name, COALESCE(city,''), COALESCE(address,''),
			COALESCE(id_alt_a,''), COALESCE(id_alt_b,''), created_at, updated_at
		FROM branches WHERE id_alt_a = $1 OR id_alt_b = $1;
	`, altID).Scan(&b.BranchID, &b.BranchName, &b.City, &b.Address, &b.IDAltA, &b.IDAltB, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Branch{}, ErrNotFound
	}
	if err != nil {
		return Branch{}, fmt.Errorf("get branch by alt id: %w", err)
	}
	return b, nil
}

// ListBranches returns all branches with aggregate review stats, optionally
// filtered by city, for the /api/v1/branches endpoint.
func (s *Store) ListBranches(ctx context.Context, city string, skip, limit int) ([]BranchWithStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.branch_id, b.branch_name, COALESCE(b.city,''), COALESCE(b.address,''),
			COALESCE(b.id_alt_a,''), COALESCE(b.id_alt_b,''), b.created_at, b.updated_at,
			COUNT(r.id), COALESCE(AVG(r.rating) FILTER (WHERE r.rating IS NOT NULL AND r.rating > 0), 0)
		FROM branches b
		LEFT JOIN reviews r ON r.branch_id = b.branch_id
		WHERE ($1 = '' OR b.city = $1)
		GROUP BY b.id
		ORDER BY b.branch_name ASC
		OFFSET $2 LIMIT $3;
	`, city, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []BranchWithStats
	for rows.Next() {
		var bs BranchWithStats
		if err := rows.Scan(&bs.BranchID, &bs.BranchName, &bs.City, &bs.Address,
			&bs.IDAltA, &bs.IDAltB, &bs.CreatedAt, &bs.UpdatedAt,
			&bs.TotalReviews, &bs.AverageRating); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		out = append(out, bs)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
