// Package dispatch converts freshly stored reviews into queued chat
// notifications: one task per (review, active subscriber)
// pair, flag flip after enqueue, cache invalidation after the flip.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Rus9136/reviews-parser/internal/queue"
	"github.com/Rus9136/reviews-parser/internal/store"
)

// reviewStore is the store surface the dispatcher consumes.
type reviewStore interface {
	ListUnsentReviews(ctx context.Context, limit int) ([]store.Review, error)
	ActiveSubscribersForBranch(ctx context.Context, branchID string) ([]store.Subscription, error)
	DistinctActiveChatIDs(ctx context.Context) ([]string, error)
	MarkNotified(ctx context.Context, reviewID string) error
}

// enqueuer is the queue surface the dispatcher consumes.
type enqueuer interface {
	Enqueue(ctx context.Context, chatID int64, text string, photos []string, priority queue.Priority, idempotencyKey string) (int64, error)
}

// invalidator is the cache surface the dispatcher consumes.
type invalidator interface {
	InvalidateBranch(ctx context.Context, branchID string)
}

// Dispatcher fans unsent reviews out to subscribers.
type Dispatcher struct {
	store  reviewStore
	queue  enqueuer
	cache  invalidator
	logger *slog.Logger
	batch  int
}

// Config holds the dispatcher dependencies.
type Config struct {
	Store     *store.Store
	Queue     *queue.Queue
	Cache     invalidator
	Logger    *slog.Logger
	BatchSize int // defaults to 500
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return &Dispatcher{
		store:  cfg.Store,
		queue:  cfg.Queue,
		cache:  cfg.Cache,
		logger: logger,
		batch:  batch,
	}
}

// DispatchPending processes one bounded batch of unsent reviews. Safe to
// invoke twice concurrently: past the flag flip a re-dispatch finds
// nothing, and pre-flip double-enqueues collapse on the queue's
// idempotency key.
func (d *Dispatcher) DispatchPending(ctx context.Context) error {
	reviews, err := d.store.ListUnsentReviews(ctx, d.batch)
	if err != nil {
		return fmt.Errorf("list unsent reviews: %w", err)
	}
	if len(reviews) == 0 {
		return nil
	}
	d.logger.Info("dispatching notifications", "pending_reviews", len(reviews))

	// Group by branch so the subscriber lookup happens once per branch.
	byBranch := make(map[string][]store.Review)
	for _, r := range reviews {
		byBranch[r.BranchID] = append(byBranch[r.BranchID], r)
	}

	for branchID, branchReviews := range byBranch {
		subs, err := d.store.ActiveSubscribersForBranch(ctx, branchID)
		if err != nil {
			d.logger.Error("subscriber lookup failed", "branch_id", branchID, "error", err)
			continue
		}

		flipped := 0
		for _, review := range branchReviews {
			if err := d.dispatchReview(ctx, review, subs); err != nil {
				d.logger.Error("review dispatch failed",
					"review_id", review.ReviewID, "branch_id", branchID, "error", err)
				continue
			}
			flipped++
		}
		if flipped > 0 {
			d.cache.InvalidateBranch(ctx, branchID)
		}
	}
	return nil
}

// dispatchReview enqueues one review for every active subscriber, then
// flips sent_to_telegram. The flip commits per review, so a crash
// mid-batch never re-sends tasks already enqueued for earlier reviews.
func (d *Dispatcher) dispatchReview(ctx context.Context, review store.Review, subs []store.Subscription) error {
	text := FormatReviewMessage(review, true)
	photos := review.PhotosURLs
	if len(photos) > 10 {
		photos = photos[:10]
	}

	for _, sub := range subs {
		chatID, err := strconv.ParseInt(sub.UserID, 10, 64)
		if err != nil {
			d.logger.Warn("subscriber with non-numeric chat id skipped",
				"user_id", sub.UserID, "review_id", review.ReviewID)
			continue
		}
		key := review.ReviewID + ":" + sub.UserID
		if _, err := d.queue.Enqueue(ctx, chatID, text, photos, queue.PriorityNormal, key); err != nil {
			return fmt.Errorf("enqueue for %s: %w", sub.UserID, err)
		}
	}

	if err := d.store.MarkNotified(ctx, review.ReviewID); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// BroadcastSystemMessage fans one operator-authored message out to every
// distinct subscriber chat at high priority. Returns how many tasks were
// enqueued.
func (d *Dispatcher) BroadcastSystemMessage(ctx context.Context, text string) (int, error) {
	chatIDs, err := d.store.DistinctActiveChatIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list broadcast recipients: %w", err)
	}

	body := "🔔 Системное уведомление:\n" + text
	sent := 0
	for _, userID := range chatIDs {
		chatID, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			d.logger.Warn("broadcast recipient with non-numeric chat id skipped", "user_id", userID)
			continue
		}
		key := "broadcast:" + userID + ":" + hashText(body)
		if _, err := d.queue.Enqueue(ctx, chatID, body, nil, queue.PriorityHigh, key); err != nil {
			d.logger.Error("broadcast enqueue failed", "user_id", userID, "error", err)
			continue
		}
		sent++
	}
	d.logger.Info("system broadcast enqueued", "recipients", sent)
	return sent, nil
}

// hashText derives a stable short suffix so repeated identical broadcasts
// stay distinct per text but idempotent within one.
func hashText(s string) string {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return strconv.FormatUint(h, 16)
}
