// Package registrysync reconciles the store's branch set against the
// roster: new roster entries are inserted and immediately
// parsed in full, drifted display fields are refreshed, and branches that
// fell out of the roster are left intact.
package registrysync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/shared"
	"github.com/Rus9136/reviews-parser/internal/store"
)

type roster interface {
	ListBranches(ctx context.Context) ([]registry.Branch, error)
}

type fetcher interface {
	FetchAll(ctx context.Context, branchID, branchName string) ([]store.Review, error)
}

type syncStore interface {
	UpsertBranch(ctx context.Context, b store.Branch) (bool, error)
	InsertReviewsIgnoringDuplicates(ctx context.Context, branchID, branchName string, reviews []store.Review) (int, error)
	TryAcquireRunLock(ctx context.Context, key int64) (*store.RunLock, error)
	AppendAuditEvent(ctx context.Context, action, detail, outcome string) error
}

type notifier interface {
	DispatchPending(ctx context.Context) error
}

type invalidator interface {
	InvalidateAll(ctx context.Context)
}

// Config holds the synchronizer dependencies.
type Config struct {
	Roster   roster
	Fetcher  fetcher
	Store    syncStore
	Notifier notifier
	Cache    invalidator
	Logger   *slog.Logger
	Interval time.Duration // defaults to 6 hours
}

// Synchronizer runs scheduled and on-demand reconciles.
type Synchronizer struct {
	roster   roster
	fetcher  fetcher
	store    syncStore
	notifier notifier
	cache    invalidator
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	trigger chan struct{}
}

// Result summarizes one reconcile run.
type Result struct {
	Added      int
	Updated    int
	NewReviews int
}

// New creates a Synchronizer.
func New(cfg Config) *Synchronizer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		roster:   cfg.Roster,
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		notifier: cfg.Notifier,
		cache:    cfg.Cache,
		logger:   logger,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start begins the periodic reconcile loop.
func (s *Synchronizer) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("registry synchronizer started", "interval", s.interval)
}

// Stop cancels the loop and waits for an in-flight run.
func (s *Synchronizer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("registry synchronizer stopped")
}

// TriggerAsync requests an immediate reconcile without waiting for it.
// Coalesces when one is already pending.
func (s *Synchronizer) TriggerAsync() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runGuarded(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runGuarded(ctx)
		case <-s.trigger:
			s.runGuarded(ctx)
		}
	}
}

func (s *Synchronizer) runGuarded(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("registry sync failed", "error", err)
	}
}

// RunOnce reconciles once under the sync advisory lock.
func (s *Synchronizer) RunOnce(ctx context.Context) (Result, error) {
	lock, err := s.store.TryAcquireRunLock(ctx, store.LockKeySync)
	if err != nil {
		return Result{}, fmt.Errorf("sync run-lock: %w", err)
	}
	if lock == nil {
		s.logger.Warn("registry sync skipped: another run holds the lock")
		return Result{}, nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.Error("sync run-lock release failed", "error", err)
		}
	}()

	ctx, op := shared.BeginOp(ctx, "sync")
	logger := s.logger.With(op.LogAttrs()...)

	branches, err := s.roster.ListBranches(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load roster: %w", err)
	}

	var result Result
	var newBranches []registry.Branch

	for _, b := range branches {
		created, err := s.store.UpsertBranch(ctx, store.Branch{
			BranchID:   b.BranchID,
			BranchName: b.Name,
			IDAltA:     b.IDSteady,
			IDAltB:     b.IDIiko,
		})
		if err != nil {
			logger.Error("branch upsert failed", "branch_id", b.BranchID, "error", err)
			continue
		}
		if created {
			result.Added++
			newBranches = append(newBranches, b)
			logger.Info("new branch discovered", "branch_id", b.BranchID, "branch_name", b.Name)
		} else {
			result.Updated++
		}
	}

	// Immediate full parse of newly discovered branches so their history
	// lands before the next scheduled tick. The inserted reviews default
	// to sent_to_telegram=false and flow through the dispatcher normally.
	for _, b := range newBranches {
		n, err := s.parseNewBranch(ctx, b)
		if err != nil {
			logger.Error("initial parse of new branch failed",
				"branch_id", b.BranchID, "branch_name", b.Name, "error", err)
			continue
		}
		result.NewReviews += n
	}

	if result.Added > 0 || result.NewReviews > 0 {
		if s.cache != nil {
			s.cache.InvalidateAll(ctx)
		}
	}
	if result.NewReviews > 0 && s.notifier != nil {
		if err := s.notifier.DispatchPending(ctx); err != nil {
			logger.Error("post-sync notification dispatch failed", "error", err)
		}
	}

	detail := fmt.Sprintf("added=%d updated=%d new_reviews=%d", result.Added, result.Updated, result.NewReviews)
	if err := s.store.AppendAuditEvent(ctx, "sync.run", detail, "ok"); err != nil {
		logger.Warn("audit event write failed", "error", err)
	}

	logger.Info("registry sync finished",
		"added", result.Added, "updated", result.Updated, "new_reviews", result.NewReviews)
	return result, nil
}

func (s *Synchronizer) parseNewBranch(ctx context.Context, b registry.Branch) (int, error) {
	ctx = shared.WithBranch(ctx, b.BranchID)
	reviews, err := s.fetcher.FetchAll(ctx, b.BranchID, b.Name)
	if err != nil {
		return 0, fmt.Errorf("fetch new branch: %w", err)
	}
	if len(reviews) == 0 {
		return 0, nil
	}
	inserted, err := s.store.InsertReviewsIgnoringDuplicates(ctx, b.BranchID, b.Name, reviews)
	if err != nil {
		return 0, fmt.Errorf("insert new branch reviews: %w", err)
	}
	s.logger.With(shared.CurrentOp(ctx).LogAttrs()...).Info("new branch backfilled",
		"branch_name", b.Name, "reviews", inserted)
	return inserted, nil
}
