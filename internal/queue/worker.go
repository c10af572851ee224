package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	pollInterval    = time.Second
	attemptTimeout  = 30 * time.Second
	janitorInterval = 30 * time.Second
)

// taskSource is the slice of Queue the workers need; narrowed so tests can
// drive a worker against a fake.
type taskSource interface {
	ClaimNext(ctx context.Context, owner string) (*Task, error)
	MarkSucceeded(ctx context.Context, id int64) error
	MarkBlocked(ctx context.Context, id int64, detail string) error
	ScheduleRetry(ctx context.Context, t *Task, cause string, suggested *time.Duration) (bool, error)
	RequeueExpiredLeases(ctx context.Context) (int, error)
}

// Workers drains the queue with N goroutines, each prefetching exactly one
// task, all sharing one global rate limiter.
type Workers struct {
	source  taskSource
	sender  Sender
	limiter *RateLimiter
	logger  *slog.Logger
	count   int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WorkersConfig holds the worker pool dependencies.
type WorkersConfig struct {
	Queue   *Queue
	Sender  Sender
	Limiter *RateLimiter
	Count   int
	Logger  *slog.Logger
}

// NewWorkers creates the pool. Count defaults to 2.
func NewWorkers(cfg WorkersConfig) *Workers {
	count := cfg.Count
	if count < 1 {
		count = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(30)
	}
	return &Workers{
		source:  cfg.Queue,
		sender:  cfg.Sender,
		limiter: limiter,
		logger:  logger,
		count:   count,
	}
}

// Start launches the worker goroutines plus one lease janitor.
func (w *Workers) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	for i := 0; i < w.count; i++ {
		owner := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		w.wg.Add(1)
		go w.run(ctx, owner)
	}

	w.wg.Add(1)
	go w.janitor(ctx)

	w.logger.Info("queue workers started", "count", w.count)
}

// Stop cancels the pool and waits for in-flight dispatches to finish.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info("queue workers stopped")
}

func (w *Workers) run(ctx context.Context, owner string) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		task, err := w.source.ClaimNext(ctx, owner)
		if err != nil {
			w.logger.Error("claim failed", "owner", owner, "error", err)
			sleep(ctx, pollInterval)
			continue
		}
		if task == nil {
			sleep(ctx, pollInterval)
			continue
		}

		w.dispatch(ctx, task)
	}
}

// dispatch delivers one task, honoring the global rate limit, and settles
// its outcome.
func (w *Workers) dispatch(ctx context.Context, task *Task) {
	// A panic leaves the task claimed; the lease janitor requeues it.
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("dispatch panicked", "task_id", task.ID, "panic", r)
		}
	}()

	if err := w.limiter.Acquire(ctx); err != nil {
		// Shutdown mid-wait: the lease janitor returns the task later.
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	err := w.deliver(attemptCtx, task)
	cancel()

	switch {
	case err == nil:
		if err := w.source.MarkSucceeded(ctx, task.ID); err != nil {
			w.logger.Error("mark succeeded failed", "task_id", task.ID, "error", err)
		}

	case errors.Is(err, ErrBlocked):
		w.logger.Info("recipient blocked, task terminated",
			"task_id", task.ID, "chat_id", task.ChatID)
		if err := w.source.MarkBlocked(ctx, task.ID, err.Error()); err != nil {
			w.logger.Error("mark blocked failed", "task_id", task.ID, "error", err)
		}

	default:
		var suggested *time.Duration
		var ra *RetryAfterError
		if errors.As(err, &ra) {
			suggested = &ra.After
			w.logger.Warn("platform rate limit", "task_id", task.ID, "retry_after", ra.After)
		}
		retried, retryErr := w.source.ScheduleRetry(ctx, task, err.Error(), suggested)
		if retryErr != nil {
			w.logger.Error("schedule retry failed", "task_id", task.ID, "error", retryErr)
			return
		}
		w.logger.Warn("dispatch failed",
			"task_id", task.ID, "chat_id", task.ChatID,
			"attempt", task.Attempt+1, "retried", retried, "error", err)
	}
}

// deliver applies the photo rules: text-only, single photo with
// caption, or a media group with the caption on the first item.
func (w *Workers) deliver(ctx context.Context, task *Task) error {
	photos := task.Photos
	if len(photos) > 10 {
		photos = photos[:10]
	}
	switch len(photos) {
	case 0:
		return w.sender.SendText(ctx, task.ChatID, task.Text)
	case 1:
		return w.sender.SendPhoto(ctx, task.ChatID, photos[0], task.Text)
	default:
		return w.sender.SendAlbum(ctx, task.ChatID, photos, task.Text)
	}
}

func (w *Workers) janitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.source.RequeueExpiredLeases(ctx); err != nil {
				w.logger.Error("lease requeue failed", "error", err)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
