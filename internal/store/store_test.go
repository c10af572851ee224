package store

import (
	"errors"
	"strings"
	"testing"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("read tcp: connection reset by peer"), true},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New(`ERROR: duplicate key value violates unique constraint "reviews_review_id_key"`), false},
		{errors.New("context canceled"), false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSchemaCoversRequiredTables(t *testing.T) {
	all := strings.Join(schemaV1, "\n")
	for _, table := range []string{
		"branches", "reviews", "parse_reports",
		"telegram_users", "telegram_subscriptions", "telegram_user_states",
		"notification_tasks",
	} {
		if !strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("schema missing table %s", table)
		}
	}
	// Uniqueness constraints, whitespace-insensitively.
	flat := strings.Join(strings.Fields(all), " ")
	for _, unique := range []string{
		"branch_id TEXT NOT NULL UNIQUE",
		"review_id TEXT NOT NULL UNIQUE",
		"user_id TEXT NOT NULL UNIQUE",
		"idempotency_key TEXT NOT NULL UNIQUE",
	} {
		if !strings.Contains(flat, unique) {
			t.Errorf("schema missing uniqueness constraint: %s", unique)
		}
	}
}

func TestNullIfEmpty(t *testing.T) {
	if v := nullIfEmpty(""); v != nil {
		t.Errorf("empty string must map to NULL, got %v", v)
	}
	if v := nullIfEmpty("x"); v != "x" {
		t.Errorf("non-empty string must pass through, got %v", v)
	}
}
