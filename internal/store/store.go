// Package store is the durable system of record: branches,
// reviews, parse reports, Telegram subscribers/subscriptions and bot
// session state, all backed by PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	schemaVersionLatest = 1
)

// Store wraps a pooled *sql.DB using the pgx stdlib driver.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn and applies schema migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying pool for components that need raw access
// (e.g. the queue package, which shares this connection pool).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// retryOnSerialization retries f when Postgres reports a transient
// serialization or deadlock failure, with bounded jittered backoff keyed
// on Postgres's retryable SQLSTATE codes.
func retryOnSerialization(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isRetryable reports whether err looks like a transient Postgres failure:
// serialization_failure (40001), deadlock_detected (40P01), or a dropped
// connection (08006/08003/08000).
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, code := range []string{"40001", "40P01", "08006", "08003", "08000", "connection reset", "connection refused", "broken pipe"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return false
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion >= schemaVersionLatest {
		return tx.Commit()
	}

	for _, stmt := range schemaV1 {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (1, 'reviews-v1-initial')
		ON CONFLICT (version) DO NOTHING;
	`); err != nil {
		return fmt.Errorf("record schema v1: %w", err)
	}
	return tx.Commit()
}

var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS branches (
		id          BIGSERIAL PRIMARY KEY,
		branch_id   TEXT NOT NULL UNIQUE,
		branch_name TEXT NOT NULL,
		city        TEXT,
		address     TEXT,
		id_alt_a    TEXT,
		id_alt_b    TEXT,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_branches_branch_name ON branches (branch_name);`,
	`CREATE INDEX IF NOT EXISTS idx_branches_city ON branches (city);`,

	`CREATE TABLE IF NOT EXISTS reviews (
		id               BIGSERIAL PRIMARY KEY,
		branch_id        TEXT NOT NULL,
		branch_name      TEXT NOT NULL,
		review_id        TEXT NOT NULL UNIQUE,
		user_name        TEXT,
		rating           REAL,
		text             TEXT,
		date_created     TIMESTAMPTZ,
		date_edited      TIMESTAMPTZ,
		is_verified      BOOLEAN NOT NULL DEFAULT false,
		likes_count      INTEGER NOT NULL DEFAULT 0,
		comments_count   INTEGER NOT NULL DEFAULT 0,
		photos_count     INTEGER NOT NULL DEFAULT 0,
		photos_urls      JSONB NOT NULL DEFAULT '[]',
		sent_to_telegram BOOLEAN NOT NULL DEFAULT false,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_branch_id ON reviews (branch_id);`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_rating ON reviews (rating);`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_date_created ON reviews (date_created);`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_created_at ON reviews (created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_reviews_sent_to_telegram ON reviews (sent_to_telegram) WHERE sent_to_telegram = false;`,

	`CREATE TABLE IF NOT EXISTS parse_reports (
		id                  BIGSERIAL PRIMARY KEY,
		parse_date          TIMESTAMPTZ NOT NULL DEFAULT now(),
		total_branches      INTEGER NOT NULL DEFAULT 0,
		successful_branches INTEGER NOT NULL DEFAULT 0,
		failed_branches     INTEGER NOT NULL DEFAULT 0,
		total_reviews       INTEGER NOT NULL DEFAULT 0,
		new_reviews         INTEGER NOT NULL DEFAULT 0,
		duration_seconds    REAL NOT NULL DEFAULT 0,
		errors              TEXT,
		created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS telegram_users (
		id             BIGSERIAL PRIMARY KEY,
		user_id        TEXT NOT NULL UNIQUE,
		username       TEXT,
		first_name     TEXT,
		last_name      TEXT,
		language_code  TEXT,
		is_active      BOOLEAN NOT NULL DEFAULT true,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS telegram_subscriptions (
		id          BIGSERIAL PRIMARY KEY,
		user_id     TEXT NOT NULL,
		branch_id   TEXT NOT NULL,
		branch_name TEXT NOT NULL,
		is_active   BOOLEAN NOT NULL DEFAULT true,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_user_branch ON telegram_subscriptions (user_id, branch_id);`,

	`CREATE TABLE IF NOT EXISTS telegram_user_states (
		id         BIGSERIAL PRIMARY KEY,
		user_id    TEXT NOT NULL UNIQUE,
		state_data JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,

	`CREATE TABLE IF NOT EXISTS audit_events (
		id          BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		action      TEXT NOT NULL,
		detail      TEXT,
		outcome     TEXT NOT NULL DEFAULT 'ok'
	);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_occurred_at ON audit_events (occurred_at);`,

	`CREATE TABLE IF NOT EXISTS notification_tasks (
		id               BIGSERIAL PRIMARY KEY,
		idempotency_key  TEXT NOT NULL UNIQUE,
		chat_id          BIGINT NOT NULL,
		text             TEXT NOT NULL,
		photos_urls      JSONB NOT NULL DEFAULT '[]',
		priority         TEXT NOT NULL DEFAULT 'normal',
		status           TEXT NOT NULL DEFAULT 'QUEUED',
		attempt          INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 3,
		available_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		lease_owner      TEXT,
		lease_expires_at TIMESTAMPTZ,
		last_error       TEXT,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_notification_tasks_status_available ON notification_tasks (status, available_at);`,
}
