package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAPIStore serves canned data.
type fakeAPIStore struct {
	pingErr  error
	reviews  map[string]store.Review
	latest   map[string][]store.Review
	branches []store.BranchWithStats
	reports  []store.ParseReport
	audited  []string
}

func (f *fakeAPIStore) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeAPIStore) CountReviews(ctx context.Context) (int64, error) {
	return int64(len(f.reviews)), nil
}
func (f *fakeAPIStore) CountBranches(ctx context.Context) (int64, error) {
	return int64(len(f.branches)), nil
}

func (f *fakeAPIStore) ListBranches(ctx context.Context, city string, skip, limit int) ([]store.BranchWithStats, error) {
	return f.branches, nil
}

func (f *fakeAPIStore) GetBranch(ctx context.Context, branchID string) (store.Branch, error) {
	for _, b := range f.branches {
		if b.BranchID == branchID {
			return b.Branch, nil
		}
	}
	return store.Branch{}, store.ErrNotFound
}

func (f *fakeAPIStore) GetBranchStats(ctx context.Context, branchID string) (store.BranchStats, error) {
	return store.BranchStats{
		BranchID:        branchID,
		TotalReviews:    3,
		AverageRating:   4.5,
		RatingHistogram: map[string]int64{"1": 0, "2": 0, "3": 0, "4": 1, "5": 2},
	}, nil
}

func (f *fakeAPIStore) ListReviews(ctx context.Context, filter store.ReviewFilter) ([]store.Review, error) {
	var out []store.Review
	for _, r := range f.reviews {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeAPIStore) GetReview(ctx context.Context, reviewID string) (store.Review, error) {
	r, ok := f.reviews[reviewID]
	if !ok {
		return store.Review{}, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeAPIStore) GetGlobalStats(ctx context.Context) (store.GlobalStats, error) {
	return store.GlobalStats{
		TotalReviews:    int64(len(f.reviews)),
		RatingHistogram: map[string]int64{"1": 0, "2": 0, "3": 0, "4": 0, "5": 0},
		ReviewsByMonth:  map[string]int64{"2024-03": 2},
	}, nil
}

func (f *fakeAPIStore) GetRecentActivity(ctx context.Context, days int) ([]store.DayActivity, error) {
	return []store.DayActivity{{Date: "2024-03-01", ReviewsCount: 2, AverageRating: 4.0}}, nil
}

func (f *fakeAPIStore) LatestReviewsForBranch(ctx context.Context, branchID string, count int) ([]store.Review, error) {
	out := f.latest[branchID]
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func (f *fakeAPIStore) ListParseReports(ctx context.Context, limit int) ([]store.ParseReport, error) {
	return f.reports, nil
}

func (f *fakeAPIStore) AppendAuditEvent(ctx context.Context, action, detail, outcome string) error {
	f.audited = append(f.audited, action)
	return nil
}

type fakeResolver struct {
	byIiko map[string]registry.Branch
}

func (f *fakeResolver) LookupByIikoID(ctx context.Context, idIiko string) (registry.Branch, bool, error) {
	b, ok := f.byIiko[idIiko]
	return b, ok, nil
}

type fakeSync struct{ triggered int }

func (f *fakeSync) TriggerAsync() { f.triggered++ }

func testServer(st *fakeAPIStore) (*Server, *fakeSync) {
	sync := &fakeSync{}
	srv := New(Config{
		Store:    st,
		Cache:    nil, // nil *cache.Cache degrades to pass-through
		Registry: &fakeResolver{byIiko: map[string]registry.Branch{"iiko-1": {BranchID: "b1", Name: "Центр"}}},
		Sync:     sync,
		Logger:   quietLogger(),
		BindAddr: ":0",
		Origins:  []string{"https://reviews.aqniet.site"},
	})
	return srv, sync
}

func seedStore() *fakeAPIStore {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	rating := 5
	rev := store.Review{
		ReviewID: "r1", BranchID: "b1", BranchName: "Центр",
		UserName: "Иван", Rating: &rating, Text: "Отлично\nОчень",
		DateCreated: &created, PhotosURLs: []string{"https://img.example/a.jpg"},
		PhotosCount: 1,
	}
	return &fakeAPIStore{
		reviews:  map[string]store.Review{"r1": rev},
		latest:   map[string][]store.Review{"b1": {rev}},
		branches: []store.BranchWithStats{{Branch: store.Branch{BranchID: "b1", BranchName: "Центр"}, TotalReviews: 1, AverageRating: 5}},
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func post(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthOK(t *testing.T) {
	srv, _ := testServer(seedStore())
	rec := get(t, srv.Handler(), "/health")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["database"] != "ok" {
		t.Errorf("body = %v", body)
	}
	if body["cache"] != "unavailable" {
		t.Errorf("nil cache must report unavailable, got %v", body["cache"])
	}
}

func TestHealthDatabaseDown(t *testing.T) {
	st := seedStore()
	st.pingErr = errors.New("connection refused")
	srv, _ := testServer(st)

	rec := get(t, srv.Handler(), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetReviewRoundTrip(t *testing.T) {
	srv, _ := testServer(seedStore())
	rec := get(t, srv.Handler(), "/api/v1/reviews/r1")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body reviewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Text != "Отлично\nОчень" {
		t.Errorf("text must survive verbatim including newlines: %q", body.Text)
	}
	if body.Rating == nil || *body.Rating != 5 {
		t.Errorf("rating = %v", body.Rating)
	}
	if len(body.PhotosURLs) != 1 || body.PhotosURLs[0] != "https://img.example/a.jpg" {
		t.Errorf("photos = %v", body.PhotosURLs)
	}
	if body.DateCreated == nil || *body.DateCreated != "2024-03-01T10:00:00Z" {
		t.Errorf("date_created = %v", body.DateCreated)
	}
}

func TestGetReviewNotFound(t *testing.T) {
	srv, _ := testServer(seedStore())
	if rec := get(t, srv.Handler(), "/api/v1/reviews/missing"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestLatestCountBounds(t *testing.T) {
	srv, _ := testServer(seedStore())

	for _, path := range []string{"/api/v1/b1/0", "/api/v1/b1/1001", "/api/v1/b1/abc"} {
		if rec := get(t, srv.Handler(), path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
	if rec := get(t, srv.Handler(), "/api/v1/b1/10"); rec.Code != http.StatusOK {
		t.Errorf("valid count: status = %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/api/v1/b1/1000"); rec.Code != http.StatusOK {
		t.Errorf("upper bound inclusive: status = %d", rec.Code)
	}
}

func TestLatestByIiko(t *testing.T) {
	srv, _ := testServer(seedStore())

	rec := get(t, srv.Handler(), "/api/v1/by-iiko/iiko-1/5")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body []reviewResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 || body[0].BranchID != "b1" {
		t.Errorf("body = %+v", body)
	}

	if rec := get(t, srv.Handler(), "/api/v1/by-iiko/unknown/5"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown iiko id: status = %d, want 404", rec.Code)
	}
}

func TestListReviewsValidation(t *testing.T) {
	srv, _ := testServer(seedStore())

	bad := []string{
		"/api/v1/reviews?rating=6",
		"/api/v1/reviews?rating=abc",
		"/api/v1/reviews?date_from=03-01-2024",
		"/api/v1/reviews?sort_by=user_name",
	}
	for _, path := range bad {
		if rec := get(t, srv.Handler(), path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
	if rec := get(t, srv.Handler(), "/api/v1/reviews?rating=5&sort_by=rating&order=asc"); rec.Code != http.StatusOK {
		t.Errorf("valid filter: status = %d", rec.Code)
	}
}

func TestRecentDaysBounds(t *testing.T) {
	srv, _ := testServer(seedStore())
	for _, path := range []string{"/api/v1/stats/recent?days=0", "/api/v1/stats/recent?days=91"} {
		if rec := get(t, srv.Handler(), path); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", path, rec.Code)
		}
	}
	if rec := get(t, srv.Handler(), "/api/v1/stats/recent?days=7"); rec.Code != http.StatusOK {
		t.Errorf("valid days: status = %d", rec.Code)
	}
}

func TestSyncTrigger(t *testing.T) {
	srv, sync := testServer(seedStore())
	rec := post(t, srv.Handler(), "/api/v1/admin/sync-branches")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if sync.triggered != 1 {
		t.Errorf("sync not triggered")
	}
}

func TestParseReportsEndpoint(t *testing.T) {
	st := seedStore()
	st.reports = []store.ParseReport{{
		ParseDate:     time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC),
		TotalBranches: 5, SuccessfulBranches: 5, NewReviews: 12, DurationSeconds: 88.5,
	}}
	srv, _ := testServer(st)

	rec := get(t, srv.Handler(), "/api/v1/admin/parse-reports")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body) != 1 || body[0]["new_reviews"] != float64(12) {
		t.Errorf("body = %v", body)
	}
}

func TestCacheEndpointsWithNilCache(t *testing.T) {
	srv, _ := testServer(seedStore())

	if rec := get(t, srv.Handler(), "/api/v1/cache/stats"); rec.Code != http.StatusOK {
		t.Errorf("cache stats: status = %d", rec.Code)
	}
	if rec := post(t, srv.Handler(), "/api/v1/cache/clear"); rec.Code != http.StatusOK {
		t.Errorf("cache clear: status = %d", rec.Code)
	}
	if rec := post(t, srv.Handler(), "/api/v1/cache/clear/b1"); rec.Code != http.StatusOK {
		t.Errorf("cache clear branch: status = %d", rec.Code)
	}
}

func TestCORSAllowedOrigin(t *testing.T) {
	srv, _ := testServer(seedStore())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://reviews.aqniet.site")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://reviews.aqniet.site" {
		t.Errorf("allow-origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials must be allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unlisted origin must not be allowed")
	}
}

func TestPreflight(t *testing.T) {
	srv, _ := testServer(seedStore())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/branches", nil)
	req.Header.Set("Origin", "https://reviews.aqniet.site")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
}

func TestBranchStatsNotFound(t *testing.T) {
	srv, _ := testServer(seedStore())
	if rec := get(t, srv.Handler(), "/api/v1/branches/missing/stats"); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestBranchStatsHistogramKeys(t *testing.T) {
	srv, _ := testServer(seedStore())
	rec := get(t, srv.Handler(), "/api/v1/branches/b1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body branchStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		if _, ok := body.RatingHistogram[key]; !ok {
			t.Errorf("histogram missing key %q: %v", key, body.RatingHistogram)
		}
	}
}
