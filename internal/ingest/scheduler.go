// Package ingest drives the periodic incremental parse runs:
// a ticker loop walks the roster with bounded concurrency, diffs each
// branch's upstream tail against the store by review id, records one
// ParseReport per run and hands fresh reviews to the dispatcher.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/shared"
	"github.com/Rus9136/reviews-parser/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

type roster interface {
	ListBranches(ctx context.Context) ([]registry.Branch, error)
}

type fetcher interface {
	FetchAll(ctx context.Context, branchID, branchName string) ([]store.Review, error)
}

type ingestStore interface {
	ListExistingReviewIDs(ctx context.Context, branchID string) (map[string]struct{}, error)
	InsertReviewsIgnoringDuplicates(ctx context.Context, branchID, branchName string, reviews []store.Review) (int, error)
	InsertParseReport(ctx context.Context, r store.ParseReport) error
	TryAcquireRunLock(ctx context.Context, key int64) (*store.RunLock, error)
}

type notifier interface {
	DispatchPending(ctx context.Context) error
}

type invalidator interface {
	InvalidateBranch(ctx context.Context, branchID string)
}

// Config holds the scheduler dependencies.
type Config struct {
	Roster      roster
	Fetcher     fetcher
	Store       ingestStore
	Notifier    notifier
	Cache       invalidator
	Logger      *slog.Logger
	Interval    time.Duration // fixed tick interval; defaults to 1 hour
	CronExpr    string        // optional cron override of the fixed interval
	Concurrency int           // branch workers per run, 1..4
	BranchDelay time.Duration // politeness pause between branches, defaults to 2s
}

// Scheduler runs periodic ingestion ticks.
type Scheduler struct {
	roster      roster
	fetcher     fetcher
	store       ingestStore
	notifier    notifier
	cache       invalidator
	logger      *slog.Logger
	interval    time.Duration
	cronSched   cronlib.Schedule
	concurrency int
	branchDelay time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// branchResult is one branch's outcome within a run.
type branchResult struct {
	BranchID   string `json:"branch_id"`
	BranchName string `json:"branch_name"`
	Error      string `json:"error,omitempty"`
	Total      int    `json:"total_reviews"`
	New        int    `json:"new_reviews"`
	Failed     bool   `json:"-"`
}

// NewScheduler creates a Scheduler. An invalid cron expression is
// rejected here rather than silently ignored, per the fail-at-startup
// policy for configuration errors.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 4 {
		concurrency = 4
	}
	branchDelay := cfg.BranchDelay
	if branchDelay < 0 {
		branchDelay = 0
	} else if branchDelay == 0 {
		branchDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		roster:      cfg.Roster,
		fetcher:     cfg.Fetcher,
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		cache:       cfg.Cache,
		logger:      logger,
		interval:    interval,
		concurrency: concurrency,
		branchDelay: branchDelay,
	}
	if cfg.CronExpr != "" {
		sched, err := cronParser.Parse(cfg.CronExpr)
		if err != nil {
			return nil, err
		}
		s.cronSched = sched
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("ingest scheduler started",
		"interval", s.interval, "cron", s.cronSched != nil, "concurrency", s.concurrency)
}

// Stop cancels the loop and waits for an in-flight tick to wind down.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("ingest scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Fire immediately on startup, then per schedule.
	s.RunOnce(ctx)

	for {
		var wait time.Duration
		if s.cronSched != nil {
			wait = time.Until(s.cronSched.Next(time.Now()))
			if wait < time.Second {
				wait = time.Second
			}
		} else {
			wait = s.interval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single tick. The Postgres advisory lock makes
// overlapping ticks across processes a no-op for the loser.
func (s *Scheduler) RunOnce(ctx context.Context) {
	lock, err := s.store.TryAcquireRunLock(ctx, store.LockKeyIngest)
	if err != nil {
		s.logger.Error("ingest run-lock acquisition failed", "error", err)
		return
	}
	if lock == nil {
		s.logger.Warn("ingest tick skipped: another run holds the lock")
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.logger.Error("ingest run-lock release failed", "error", err)
		}
	}()

	ctx, op := shared.BeginOp(ctx, "ingest")
	logger := s.logger.With(op.LogAttrs()...)

	start := time.Now()
	branches, err := s.roster.ListBranches(ctx)
	if err != nil {
		logger.Error("roster unavailable, tick aborted", "error", err)
		return
	}
	logger.Info("ingest tick started", "branches", len(branches))

	results := s.parseBranches(ctx, branches)

	var (
		successful, failed  int
		totalSeen, totalNew int
		failures            []branchResult
	)
	for _, r := range results {
		if r.Failed {
			failed++
			failures = append(failures, r)
			continue
		}
		successful++
		totalSeen += r.Total
		totalNew += r.New
	}

	errorsJSON := ""
	if len(failures) > 0 {
		if data, err := json.Marshal(failures); err == nil {
			errorsJSON = string(data)
		}
	}

	report := store.ParseReport{
		ParseDate:          start,
		TotalBranches:      len(branches),
		SuccessfulBranches: successful,
		FailedBranches:     failed,
		TotalReviews:       totalSeen,
		NewReviews:         totalNew,
		DurationSeconds:    time.Since(start).Seconds(),
		Errors:             errorsJSON,
	}
	if err := s.store.InsertParseReport(ctx, report); err != nil {
		logger.Error("parse report write failed", "error", err)
	}

	logger.Info("ingest tick finished",
		"duration", time.Since(start),
		"successful", successful, "failed", failed,
		"total_reviews", totalSeen, "new_reviews", totalNew)

	if totalNew > 0 && s.notifier != nil {
		if err := s.notifier.DispatchPending(ctx); err != nil {
			logger.Error("notification dispatch failed", "error", err)
		}
	}
}

// parseBranches walks the roster through a bounded worker pool. With the
// default concurrency of 1 this degenerates to a polite sequential walk.
func (s *Scheduler) parseBranches(ctx context.Context, branches []registry.Branch) []branchResult {
	results := make([]branchResult, len(branches))
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	for i, branch := range branches {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, branch registry.Branch) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.parseBranch(ctx, branch)

			if s.branchDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(s.branchDelay):
				}
			}
		}(i, branch)
	}
	wg.Wait()
	return results
}

// parseBranch ingests one branch incrementally: fetch the full upstream
// tail, drop ids already present, insert the remainder.
func (s *Scheduler) parseBranch(ctx context.Context, branch registry.Branch) branchResult {
	ctx = shared.WithBranch(ctx, branch.BranchID)
	logger := s.logger.With(shared.CurrentOp(ctx).LogAttrs()...)

	result := branchResult{BranchID: branch.BranchID, BranchName: branch.Name}

	existing, err := s.store.ListExistingReviewIDs(ctx, branch.BranchID)
	if err != nil {
		logger.Error("existing ids lookup failed", "error", err)
		result.Failed = true
		result.Error = err.Error()
		return result
	}

	all, err := s.fetcher.FetchAll(ctx, branch.BranchID, branch.Name)
	if err != nil {
		logger.Error("branch fetch failed", "branch_name", branch.Name, "error", err)
		result.Failed = true
		result.Error = err.Error()
		return result
	}
	result.Total = len(all)

	fresh := make([]store.Review, 0, len(all))
	for _, r := range all {
		if r.ReviewID == "" {
			continue
		}
		if _, ok := existing[r.ReviewID]; ok {
			continue
		}
		fresh = append(fresh, r)
	}

	if len(fresh) > 0 {
		inserted, err := s.store.InsertReviewsIgnoringDuplicates(ctx, branch.BranchID, branch.Name, fresh)
		if err != nil {
			logger.Error("review insert failed", "error", err)
			result.Failed = true
			result.Error = err.Error()
			return result
		}
		result.New = inserted
		if inserted > 0 && s.cache != nil {
			s.cache.InvalidateBranch(ctx, branch.BranchID)
		}
	}

	logger.Info("branch parsed",
		"branch_name", branch.Name, "seen", result.Total, "new", result.New)
	return result
}
