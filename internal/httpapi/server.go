// Package httpapi is the read-only JSON surface over the store and cache,
// plus the operator cache-control and sync-trigger
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Rus9136/reviews-parser/internal/cache"
	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/shared"
	"github.com/Rus9136/reviews-parser/internal/store"
)

// apiStore is the store surface the handlers consume.
type apiStore interface {
	Ping(ctx context.Context) error
	CountReviews(ctx context.Context) (int64, error)
	CountBranches(ctx context.Context) (int64, error)
	ListBranches(ctx context.Context, city string, skip, limit int) ([]store.BranchWithStats, error)
	GetBranch(ctx context.Context, branchID string) (store.Branch, error)
	GetBranchStats(ctx context.Context, branchID string) (store.BranchStats, error)
	ListReviews(ctx context.Context, f store.ReviewFilter) ([]store.Review, error)
	GetReview(ctx context.Context, reviewID string) (store.Review, error)
	GetGlobalStats(ctx context.Context) (store.GlobalStats, error)
	GetRecentActivity(ctx context.Context, days int) ([]store.DayActivity, error)
	LatestReviewsForBranch(ctx context.Context, branchID string, count int) ([]store.Review, error)
	ListParseReports(ctx context.Context, limit int) ([]store.ParseReport, error)
	AppendAuditEvent(ctx context.Context, action, detail, outcome string) error
}

// iikoResolver maps a cross-system id to a roster entry.
type iikoResolver interface {
	LookupByIikoID(ctx context.Context, idIiko string) (registry.Branch, bool, error)
}

// syncTrigger requests an asynchronous registry reconcile.
type syncTrigger interface {
	TriggerAsync()
}

// Config holds the server dependencies.
type Config struct {
	Store    apiStore
	Cache    *cache.Cache
	Registry iikoResolver
	Sync     syncTrigger
	Logger   *slog.Logger
	BindAddr string
	Origins  []string
}

// Server is the HTTP read API.
type Server struct {
	store    apiStore
	cache    *cache.Cache
	registry iikoResolver
	sync     syncTrigger
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New builds the server and its routing table.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:    cfg.Store,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		sync:     cfg.Sync,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/branches", s.handleListBranches)
	mux.HandleFunc("GET /api/v1/branches/{branch_id}/stats", s.handleBranchStats)
	mux.HandleFunc("GET /api/v1/reviews", s.handleListReviews)
	mux.HandleFunc("GET /api/v1/reviews/{review_id}", s.handleGetReview)
	mux.HandleFunc("GET /api/v1/stats", s.handleGlobalStats)
	mux.HandleFunc("GET /api/v1/stats/recent", s.handleRecentActivity)
	mux.HandleFunc("GET /api/v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/v1/cache/clear", s.handleCacheClear)
	mux.HandleFunc("POST /api/v1/cache/clear/{branch_id}", s.handleCacheClearBranch)
	mux.HandleFunc("POST /api/v1/admin/sync-branches", s.handleSyncBranches)
	mux.HandleFunc("GET /api/v1/admin/parse-reports", s.handleParseReports)
	mux.HandleFunc("GET /api/v1/by-iiko/{id_iiko}/{count}", s.handleLatestByIiko)
	mux.HandleFunc("GET /api/v1/{branch_id}/{count}", s.handleLatestByBranch)

	handler := corsMiddleware(cfg.Origins)(traceMiddleware(recoverMiddleware(logger)(mux)))

	s.httpSrv = &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routing table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// writeJSON encodes v with the standard headers.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// traceMiddleware stamps each request with a trace_id so handler log
// lines correlate.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := shared.BeginOp(r.Context(), "http")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverMiddleware converts a handler panic into a logged 500 instead of
// a dropped connection.
func recoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						"path", r.URL.Path, "panic", rec,
						"trace_id", shared.TraceID(r.Context()))
					writeError(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
