// Package queue is the durable, rate-limited notification task queue:
// Postgres-backed lease claiming, bounded retries with linear
// or exponential backoff, and a terminal blocked outcome for recipients
// that shut the bot out.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Priority selects the retry policy: normal tasks get 3 linear attempts,
// high-priority tasks get 5 with exponential backoff.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Status is the task state machine. QUEUED and RETRY_WAIT both drain
// through the same claim query; BLOCKED and DEAD_LETTER are terminal.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusClaimed    Status = "CLAIMED"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusRetryWait  Status = "RETRY_WAIT"
	StatusDeadLetter Status = "DEAD_LETTER"
	StatusBlocked    Status = "BLOCKED"
)

const (
	maxAttemptsNormal = 3
	maxAttemptsHigh   = 5
	retryBaseDelay    = 60 * time.Second
	leaseDuration     = 2 * time.Minute
)

// Task is one pending chat message.
type Task struct {
	ID             int64
	IdempotencyKey string
	ChatID         int64
	Text           string
	Photos         []string
	Priority       Priority
	Status         Status
	Attempt        int
	MaxAttempts    int
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
}

// Lane names the logical lane a task currently rides: "normal" until the
// first failure, "retry" afterwards. Both drain the same queue.
func (t Task) Lane() string {
	if t.Attempt > 0 {
		return "retry"
	}
	return "normal"
}

// Queue persists tasks in the shared Postgres pool.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Queue on an existing pool.
func New(db *sql.DB, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{db: db, logger: logger}
}

// Enqueue inserts one task. The idempotency key (review_id:chat_id for
// review notifications) makes a duplicate enqueue a no-op; the returned id
// is 0 in that case.
func (q *Queue) Enqueue(ctx context.Context, chatID int64, text string, photos []string, priority Priority, idempotencyKey string) (int64, error) {
	if len(photos) > 10 {
		photos = photos[:10]
	}
	maxAttempts := maxAttemptsNormal
	if priority == PriorityHigh {
		maxAttempts = maxAttemptsHigh
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return 0, fmt.Errorf("marshal photos: %w", err)
	}

	var id int64
	err = q.db.QueryRowContext(ctx, `
		INSERT INTO notification_tasks (idempotency_key, chat_id, text, photos_urls, priority, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id;
	`, idempotencyKey, chatID, text, photosJSON, string(priority), string(StatusQueued), maxAttempts).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimNext atomically claims the next dispatchable task for owner, or
// returns nil when the queue is empty. High-priority tasks go first; the
// FOR UPDATE SKIP LOCKED subselect keeps concurrent workers from fighting
// over the same row.
func (q *Queue) ClaimNext(ctx context.Context, owner string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE notification_tasks SET
			status = $1,
			lease_owner = $2,
			lease_expires_at = now() + $3 * INTERVAL '1 second',
			updated_at = now()
		WHERE id = (
			SELECT id FROM notification_tasks
			WHERE status IN ($4, $5) AND available_at <= now()
			ORDER BY CASE priority WHEN 'high' THEN 0 ELSE 1 END, available_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, idempotency_key, chat_id, text, photos_urls, priority, status,
			attempt, max_attempts, available_at, COALESCE(lease_owner, ''),
			lease_expires_at, COALESCE(last_error, ''), created_at;
	`, string(StatusClaimed), owner, int(leaseDuration.Seconds()), string(StatusQueued), string(StatusRetryWait))

	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return &t, nil
}

// MarkSucceeded completes a task.
func (q *Queue) MarkSucceeded(ctx context.Context, id int64) error {
	return q.finish(ctx, id, StatusSucceeded, "")
}

// MarkBlocked terminates a task whose recipient is unreachable by their
// own action. Terminal, successful, never retried.
func (q *Queue) MarkBlocked(ctx context.Context, id int64, detail string) error {
	return q.finish(ctx, id, StatusBlocked, detail)
}

func (q *Queue) finish(ctx context.Context, id int64, status Status, detail string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE notification_tasks SET
			status = $1,
			attempt = attempt + 1,
			last_error = $2,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $3;
	`, string(status), nullableString(detail), id)
	if err != nil {
		return fmt.Errorf("finish task %d as %s: %w", id, status, err)
	}
	return nil
}

// ScheduleRetry records a failed attempt. When the retry budget still has
// room the task moves to RETRY_WAIT with the computed (or platform-
// suggested) delay; otherwise it dead-letters. Reports whether a retry was
// scheduled.
func (q *Queue) ScheduleRetry(ctx context.Context, t *Task, cause string, suggested *time.Duration) (bool, error) {
	nextAttempt := t.Attempt + 1
	if nextAttempt >= t.MaxAttempts {
		if err := q.finish(ctx, t.ID, StatusDeadLetter, cause); err != nil {
			return false, err
		}
		q.logger.Warn("task dead-lettered", "task_id", t.ID, "chat_id", t.ChatID, "attempts", nextAttempt, "cause", cause)
		return false, nil
	}

	delay := RetryDelay(t.Priority, nextAttempt, suggested)
	_, err := q.db.ExecContext(ctx, `
		UPDATE notification_tasks SET
			status = $1,
			attempt = $2,
			available_at = now() + $3 * INTERVAL '1 second',
			last_error = $4,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $5;
	`, string(StatusRetryWait), nextAttempt, int(delay.Seconds()), nullableString(cause), t.ID)
	if err != nil {
		return false, fmt.Errorf("schedule retry for task %d: %w", t.ID, err)
	}
	return true, nil
}

// RetryDelay computes the wait before attempt number attempt (1-based
// count of failures so far). A platform-suggested delay is honored
// verbatim. Normal priority backs off linearly from a 60s base; high
// priority doubles per attempt.
func RetryDelay(p Priority, attempt int, suggested *time.Duration) time.Duration {
	if suggested != nil && *suggested > 0 {
		return *suggested
	}
	if attempt < 1 {
		attempt = 1
	}
	if p == PriorityHigh {
		return retryBaseDelay << uint(attempt-1)
	}
	return retryBaseDelay
}

// RequeueExpiredLeases returns crashed workers' claimed tasks to the
// queue. Attempt is not consumed; the crash was ours, not the platform's.
func (q *Queue) RequeueExpiredLeases(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE notification_tasks SET
			status = $1,
			lease_owner = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE status = $2 AND lease_expires_at < now();
	`, string(StatusQueued), string(StatusClaimed))
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Warn("requeued expired leases", "count", n)
	}
	return int(n), nil
}

// Depth reports the number of dispatchable tasks.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM notification_tasks
		WHERE status IN ($1, $2);
	`, string(StatusQueued), string(StatusRetryWait)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func scanTask(scan func(...any) error) (Task, error) {
	var (
		t          Task
		photosJSON []byte
		priority   string
		status     string
		leaseExp   sql.NullTime
	)
	if err := scan(&t.ID, &t.IdempotencyKey, &t.ChatID, &t.Text, &photosJSON, &priority,
		&status, &t.Attempt, &t.MaxAttempts, &t.AvailableAt, &t.LeaseOwner,
		&leaseExp, &t.LastError, &t.CreatedAt); err != nil {
		return Task{}, err
	}
	t.Priority = Priority(priority)
	t.Status = Status(status)
	if leaseExp.Valid {
		exp := leaseExp.Time
		t.LeaseExpiresAt = &exp
	}
	if len(photosJSON) > 0 {
		if err := json.Unmarshal(photosJSON, &t.Photos); err != nil {
			return Task{}, fmt.Errorf("unmarshal task photos: %w", err)
		}
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
