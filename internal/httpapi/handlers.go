package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Rus9136/reviews-parser/internal/cache"
	"github.com/Rus9136/reviews-parser/internal/store"
)

// Response shapes. Times render as RFC 3339; photos_urls stays an ordered
// array exactly as stored.

type reviewResponse struct {
	ReviewID      string   `json:"review_id"`
	BranchID      string   `json:"branch_id"`
	BranchName    string   `json:"branch_name"`
	UserName      string   `json:"user_name"`
	Rating        *int     `json:"rating"`
	Text          string   `json:"text"`
	DateCreated   *string  `json:"date_created"`
	DateEdited    *string  `json:"date_edited"`
	IsVerified    bool     `json:"is_verified"`
	LikesCount    int      `json:"likes_count"`
	CommentsCount int      `json:"comments_count"`
	PhotosCount   int      `json:"photos_count"`
	PhotosURLs    []string `json:"photos_urls"`
}

type branchResponse struct {
	BranchID      string  `json:"branch_id"`
	BranchName    string  `json:"branch_name"`
	City          string  `json:"city,omitempty"`
	Address       string  `json:"address,omitempty"`
	TotalReviews  int64   `json:"total_reviews"`
	AverageRating float64 `json:"average_rating"`
}

type branchStatsResponse struct {
	BranchID        string           `json:"branch_id"`
	BranchName      string           `json:"branch_name"`
	TotalReviews    int64            `json:"total_reviews"`
	AverageRating   float64          `json:"average_rating"`
	RatingHistogram map[string]int64 `json:"rating_histogram"`
	VerifiedCount   int64            `json:"verified_count"`
	LastReviewDate  *string          `json:"last_review_date"`
}

func toReviewResponse(r store.Review) reviewResponse {
	photos := r.PhotosURLs
	if photos == nil {
		photos = []string{}
	}
	return reviewResponse{
		ReviewID:      r.ReviewID,
		BranchID:      r.BranchID,
		BranchName:    r.BranchName,
		UserName:      r.UserName,
		Rating:        r.Rating,
		Text:          r.Text,
		DateCreated:   fmtTime(r.DateCreated),
		DateEdited:    fmtTime(r.DateEdited),
		IsVerified:    r.IsVerified,
		LikesCount:    r.LikesCount,
		CommentsCount: r.CommentsCount,
		PhotosCount:   r.PhotosCount,
		PhotosURLs:    photos,
	}
}

func toReviewResponses(reviews []store.Review) []reviewResponse {
	out := make([]reviewResponse, 0, len(reviews))
	for _, r := range reviews {
		out = append(out, toReviewResponse(r))
	}
	return out
}

func fmtTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := map[string]any{
		"status":    "ok",
		"database":  "ok",
		"cache":     "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if err := s.store.Ping(ctx); err != nil {
		resp["status"] = "degraded"
		resp["database"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	if !s.cache.Available(ctx) {
		resp["cache"] = "unavailable"
	}
	if n, err := s.store.CountReviews(ctx); err == nil {
		resp["reviews_count"] = n
	}
	if n, err := s.store.CountBranches(ctx); err == nil {
		resp["branches_count"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListBranches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	city := r.URL.Query().Get("city")
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 100)
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	// The full uncity'd first page is the hot path worth caching.
	cacheable := city == "" && skip == 0 && limit == 100
	if cacheable {
		var cached []branchResponse
		if s.cache.Get(ctx, cache.BranchesListKey(), &cached) {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	branches, err := s.store.ListBranches(ctx, city, skip, limit)
	if err != nil {
		s.logger.Error("list branches failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]branchResponse, 0, len(branches))
	for _, b := range branches {
		out = append(out, branchResponse{
			BranchID:      b.BranchID,
			BranchName:    b.BranchName,
			City:          b.City,
			Address:       b.Address,
			TotalReviews:  b.TotalReviews,
			AverageRating: b.AverageRating,
		})
	}
	if cacheable {
		s.cache.Set(ctx, cache.BranchesListKey(), out, cache.TTLBranchesList)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBranchStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	branchID := r.PathValue("branch_id")

	var cached branchStatsResponse
	if s.cache.Get(ctx, cache.BranchStatsKey(branchID), &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	if _, err := s.store.GetBranch(ctx, branchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "branch not found")
			return
		}
		s.logger.Error("branch lookup failed", "branch_id", branchID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	stats, err := s.store.GetBranchStats(ctx, branchID)
	if err != nil {
		s.logger.Error("branch stats failed", "branch_id", branchID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := branchStatsResponse{
		BranchID:        stats.BranchID,
		BranchName:      stats.BranchName,
		TotalReviews:    stats.TotalReviews,
		AverageRating:   stats.AverageRating,
		RatingHistogram: stats.RatingHistogram,
		VerifiedCount:   stats.VerifiedCount,
		LastReviewDate:  fmtTime(stats.LastReviewDate),
	}
	s.cache.Set(ctx, cache.BranchStatsKey(branchID), resp, cache.TTLBranchStats)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.ReviewFilter{
		BranchID: q.Get("branch_id"),
		Search:   q.Get("search"),
		SortBy:   q.Get("sort_by"),
		Order:    q.Get("order"),
		Skip:     queryInt(r, "skip", 0),
		Limit:    queryInt(r, "limit", 50),
	}
	if v := q.Get("rating"); v != "" {
		rating, err := strconv.Atoi(v)
		if err != nil || rating < 1 || rating > 5 {
			writeError(w, http.StatusBadRequest, "rating must be 1..5")
			return
		}
		filter.Rating = &rating
	}
	if q.Get("verified_only") == "true" {
		filter.VerifiedOnly = true
	}
	if v := q.Get("date_from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date_from must be YYYY-MM-DD")
			return
		}
		filter.DateFrom = &t
	}
	if v := q.Get("date_to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date_to must be YYYY-MM-DD")
			return
		}
		end := t.Add(24*time.Hour - time.Second)
		filter.DateTo = &end
	}
	switch filter.SortBy {
	case "", "date_created", "rating", "likes_count":
	default:
		writeError(w, http.StatusBadRequest, "sort_by must be date_created, rating or likes_count")
		return
	}

	reviews, err := s.store.ListReviews(ctx, filter)
	if err != nil {
		s.logger.Error("list reviews failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toReviewResponses(reviews))
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	review, err := s.store.GetReview(r.Context(), r.PathValue("review_id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "review not found")
		return
	}
	if err != nil {
		s.logger.Error("get review failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toReviewResponse(review))
}

func (s *Server) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var cached store.GlobalStats
	if s.cache.Get(ctx, cache.GeneralStatsKey(), &cached) {
		writeGlobalStats(w, cached)
		return
	}

	stats, err := s.store.GetGlobalStats(ctx)
	if err != nil {
		s.logger.Error("global stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.cache.Set(ctx, cache.GeneralStatsKey(), stats, cache.TTLGeneralStats)
	writeGlobalStats(w, stats)
}

func writeGlobalStats(w http.ResponseWriter, stats store.GlobalStats) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total_reviews":    stats.TotalReviews,
		"total_branches":   stats.TotalBranches,
		"average_rating":   stats.AverageRating,
		"rating_histogram": stats.RatingHistogram,
		"reviews_by_month": stats.ReviewsByMonth,
	})
}

func (s *Server) handleRecentActivity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	days := queryInt(r, "days", 7)
	if days < 1 || days > 90 {
		writeError(w, http.StatusBadRequest, "days must be 1..90")
		return
	}

	var cached []store.DayActivity
	if s.cache.Get(ctx, cache.RecentReviewsKey(days), &cached) {
		writeJSON(w, http.StatusOK, map[string]any{"days": days, "activity": cached})
		return
	}

	activity, err := s.store.GetRecentActivity(ctx, days)
	if err != nil {
		s.logger.Error("recent activity failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if activity == nil {
		activity = []store.DayActivity{}
	}
	s.cache.Set(ctx, cache.RecentReviewsKey(days), activity, cache.TTLRecent)
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "activity": activity})
}

func (s *Server) handleLatestByBranch(w http.ResponseWriter, r *http.Request) {
	s.serveLatest(w, r, r.PathValue("branch_id"), r.PathValue("count"))
}

func (s *Server) handleLatestByIiko(w http.ResponseWriter, r *http.Request) {
	branch, ok, err := s.registry.LookupByIikoID(r.Context(), r.PathValue("id_iiko"))
	if err != nil {
		s.logger.Error("iiko lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "branch not found for id_iiko")
		return
	}
	s.serveLatest(w, r, branch.BranchID, r.PathValue("count"))
}

func (s *Server) serveLatest(w http.ResponseWriter, r *http.Request, branchID, countRaw string) {
	count, err := strconv.Atoi(countRaw)
	if err != nil || count < 1 || count > 1000 {
		writeError(w, http.StatusBadRequest, "count must be 1..1000")
		return
	}

	ctx := r.Context()
	key := cache.ReviewsKey(branchID, count, 0)
	var cached []reviewResponse
	if s.cache.Get(ctx, key, &cached) {
		writeJSON(w, http.StatusOK, cached)
		return
	}

	reviews, err := s.store.LatestReviewsForBranch(ctx, branchID, count)
	if err != nil {
		s.logger.Error("latest reviews failed", "branch_id", branchID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := toReviewResponses(reviews)
	s.cache.Set(ctx, key, out, cache.TTLReviews)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats(r.Context()))
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.cache.InvalidateAll(r.Context())
	s.audit(r.Context(), "cache.clear", "")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (s *Server) handleCacheClearBranch(w http.ResponseWriter, r *http.Request) {
	branchID := r.PathValue("branch_id")
	s.cache.InvalidateBranch(r.Context(), branchID)
	s.audit(r.Context(), "cache.clear_branch", branchID)
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "branch_id": branchID})
}

func (s *Server) handleSyncBranches(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		writeError(w, http.StatusServiceUnavailable, "sync is not running in this process")
		return
	}
	s.sync.TriggerAsync()
	s.audit(r.Context(), "sync.trigger", "")
	writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

func (s *Server) audit(ctx context.Context, action, detail string) {
	if err := s.store.AppendAuditEvent(ctx, action, detail, "ok"); err != nil {
		s.logger.Warn("audit event write failed", "action", action, "error", err)
	}
}

func (s *Server) handleParseReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.store.ListParseReports(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.logger.Error("parse reports failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		out = append(out, map[string]any{
			"parse_date":          rep.ParseDate.UTC().Format(time.RFC3339),
			"total_branches":      rep.TotalBranches,
			"successful_branches": rep.SuccessfulBranches,
			"failed_branches":     rep.FailedBranches,
			"total_reviews":       rep.TotalReviews,
			"new_reviews":         rep.NewReviews,
			"duration_seconds":    rep.DurationSeconds,
			"errors":              rep.Errors,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
