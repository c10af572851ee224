package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeUpstream serves deterministic paginated reviews for one branch.
func fakeUpstream(t *testing.T, total int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("sort_by") != "date_edited" {
			t.Errorf("missing sort_by=date_edited, query: %s", r.URL.RawQuery)
		}
		if r.URL.Query().Get("rated") != "true" {
			t.Errorf("missing rated=true")
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var reviews []map[string]any
		for i := offset; i < offset+limit && i < total; i++ {
			reviews = append(reviews, map[string]any{
				"id":           fmt.Sprintf("rev-%d", i),
				"user":         map[string]any{"name": fmt.Sprintf("User %d", i)},
				"rating":       5,
				"text":         fmt.Sprintf("text %d", i),
				"date_created": "2024-03-01T10:00:00Z",
				"is_verified":  i%2 == 0,
				"likes_count":  i,
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"meta":    map[string]any{"total_count": total},
			"reviews": reviews,
		})
	}))
}

func TestFetchAllPaginates(t *testing.T) {
	srv := fakeUpstream(t, 75)
	defer srv.Close()

	c := New(Config{
		APIKey:       "test-key",
		BaseURL:      srv.URL + "/2.0/branches/%s/reviews",
		RequestDelay: -1, // no politeness sleep in tests
		Logger:       quietLogger(),
	})

	reviews, err := c.FetchAll(context.Background(), "70000001057699052", "Филиал")
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(reviews) != 75 {
		t.Fatalf("expected 75 reviews, got %d", len(reviews))
	}
	if reviews[0].ReviewID != "rev-0" || reviews[74].ReviewID != "rev-74" {
		t.Errorf("unexpected ids at boundaries: %s, %s", reviews[0].ReviewID, reviews[74].ReviewID)
	}
	if reviews[0].BranchName != "Филиал" {
		t.Errorf("branch name not denormalized: %q", reviews[0].BranchName)
	}
	if reviews[0].Rating == nil || *reviews[0].Rating != 5 {
		t.Errorf("rating not normalized: %v", reviews[0].Rating)
	}
	if reviews[0].DateCreated == nil || !reviews[0].DateCreated.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("date not normalized to UTC: %v", reviews[0].DateCreated)
	}
}

func TestFetchAllEmptyBranch(t *testing.T) {
	srv := fakeUpstream(t, 0)
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/2.0/branches/%s/reviews", RequestDelay: -1, Logger: quietLogger()})
	reviews, err := c.FetchAll(context.Background(), "7000", "Пустой")
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(reviews) != 0 {
		t.Fatalf("expected 0 reviews, got %d", len(reviews))
	}
}

func TestFetchPageServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/2.0/branches/%s/reviews", RequestDelay: -1, Logger: quietLogger()})
	_, err := c.FetchPage(context.Background(), "7000", 0, 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Errorf("5xx should classify as transient: %v", err)
	}
}

func TestFetchPageClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such branch", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/2.0/branches/%s/reviews", RequestDelay: -1, Logger: quietLogger()})
	_, err := c.FetchPage(context.Background(), "7000", 0, 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Errorf("404 should not classify as transient: %v", err)
	}
}

func TestNormalizeDropsMissingID(t *testing.T) {
	c := New(Config{Logger: quietLogger(), RequestDelay: -1})
	_, ok := c.normalize(rawReview{Text: "no id here"}, "b", "n")
	if ok {
		t.Fatal("review without id must be dropped")
	}
}

func TestNormalizeAnonymousUser(t *testing.T) {
	c := New(Config{Logger: quietLogger(), RequestDelay: -1})
	r, ok := c.normalize(rawReview{ID: "x"}, "b", "n")
	if !ok {
		t.Fatal("expected review kept")
	}
	if r.UserName != "Аноним" {
		t.Errorf("expected anonymous placeholder, got %q", r.UserName)
	}
	if r.Rating != nil {
		t.Errorf("nil rating must stay nil, got %v", r.Rating)
	}
}

func TestPickPreviewURLPrefersLargest(t *testing.T) {
	tests := []struct {
		name     string
		previews map[string]string
		want     string
	}{
		{
			name: "largest wins",
			previews: map[string]string{
				"320x240":   "small",
				"1920x1080": "large",
				"640x480":   "mid",
			},
			want: "large",
		},
		{
			name:     "single entry",
			previews: map[string]string{"64x64": "only"},
			want:     "only",
		},
		{
			name: "unparsable keys fall back deterministically",
			previews: map[string]string{
				"thumb":    "a",
				"original": "b",
			},
			want: "b", // "original" < "thumb" on key order at equal area
		},
		{
			name:     "empty map",
			previews: nil,
			want:     "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pickPreviewURL(tt.previews); got != tt.want {
				t.Errorf("pickPreviewURL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseUpstreamTime(t *testing.T) {
	got, err := parseUpstreamTime("2024-03-01T10:00:00Z")
	if err != nil || got == nil {
		t.Fatalf("parse Z: %v", err)
	}
	if got.Location() != time.UTC {
		t.Errorf("Z should map to UTC, got %v", got.Location())
	}

	offset, err := parseUpstreamTime("2024-03-01T15:00:00+05:00")
	if err != nil {
		t.Fatalf("parse offset: %v", err)
	}
	if !offset.Equal(*got) {
		t.Errorf("offset time should equal UTC equivalent: %v vs %v", offset, got)
	}

	if _, err := parseUpstreamTime("not a date"); err == nil {
		t.Error("expected error for junk date")
	}
}
