// Package upstream is the paginated HTTPS client for the 2GIS public
// reviews API. It normalizes raw upstream JSON into
// store.Review records at the boundary; nothing downstream ever sees the
// raw shape.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Rus9136/reviews-parser/internal/shared"
	"github.com/Rus9136/reviews-parser/internal/store"
)

const (
	defaultBaseURL  = "https://public-api.reviews.2gis.com/2.0/branches/%s/reviews"
	defaultPageSize = 50

	// A browser-like User-Agent; the upstream rejects obvious bots.
	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	fieldsParam = "meta.providers,meta.branch_rating,meta.branch_reviews_count,meta.total_count,reviews.hiding_reason,reviews.is_verified"
)

// TransientError marks a failure the scheduler may retry on a later tick:
// HTTP 5xx, 429, or a network-level error.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Config holds the client's settings.
type Config struct {
	APIKey         string
	Locale         string        // defaults to ru_KZ
	PageSize       int           // defaults to 50
	RequestDelay   time.Duration // politeness delay between pages, defaults to 1s
	RequestTimeout time.Duration // per-request timeout, defaults to 30s
	BaseURL        string        // test override
	Logger         *slog.Logger
}

// Client fetches and normalizes reviews for one branch at a time. A single
// Client is safe for concurrent use across branches; pagination within a
// branch is strictly sequential.
type Client struct {
	apiKey   string
	locale   string
	pageSize int
	delay    time.Duration
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
}

// New creates a Client with a shared http.Client honoring the configured
// per-request timeout.
func New(cfg Config) *Client {
	locale := cfg.Locale
	if locale == "" {
		locale = "ru_KZ"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	delay := cfg.RequestDelay
	if delay < 0 {
		delay = 0
	} else if delay == 0 {
		delay = time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:   cfg.APIKey,
		locale:   locale,
		pageSize: pageSize,
		delay:    delay,
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Page is one decoded upstream page.
type Page struct {
	Reviews    []rawReview
	TotalCount int
}

type rawPayload struct {
	Meta struct {
		TotalCount         int     `json:"total_count"`
		BranchRating       float64 `json:"branch_rating"`
		BranchReviewsCount int     `json:"branch_reviews_count"`
	} `json:"meta"`
	Reviews []rawReview `json:"reviews"`
}

type rawReview struct {
	ID   string `json:"id"`
	User struct {
		Name string `json:"name"`
	} `json:"user"`
	Rating        *float64   `json:"rating"`
	Text          string     `json:"text"`
	DateCreated   string     `json:"date_created"`
	DateEdited    *string    `json:"date_edited"`
	IsVerified    bool       `json:"is_verified"`
	LikesCount    int        `json:"likes_count"`
	CommentsCount int        `json:"comments_count"`
	Photos        []rawPhoto `json:"photos"`
}

type rawPhoto struct {
	PreviewURLs map[string]string `json:"preview_urls"`
}

// FetchPage retrieves one page of reviews. Non-2xx statuses and network
// errors come back as TransientError for 5xx/429 and plain errors for the
// rest; the scheduler decides what to do with either.
func (c *Client) FetchPage(ctx context.Context, branchID string, offset, limit int) (Page, error) {
	endpoint := fmt.Sprintf(c.baseURL, url.PathEscape(branchID))

	q := url.Values{}
	q.Set("is_advertiser", "false")
	q.Set("fields", fieldsParam)
	q.Set("without_my_first_review", "false")
	q.Set("rated", "true")
	q.Set("sort_by", "date_edited")
	q.Set("locale", c.locale)
	q.Set("key", c.apiKey)
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("offset", fmt.Sprintf("%d", offset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport errors embed the request URL, API key included.
		return Page{}, &TransientError{Err: fmt.Errorf("fetch page branch=%s offset=%d: %s", branchID, offset, shared.Redact(err.Error()))}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("fetch page branch=%s offset=%d: status %d: %s", branchID, offset, resp.StatusCode, body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return Page{}, &TransientError{Err: err}
		}
		return Page{}, err
	}

	var payload rawPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Page{}, fmt.Errorf("decode page branch=%s offset=%d: %w", branchID, offset, err)
	}
	return Page{Reviews: payload.Reviews, TotalCount: payload.Meta.TotalCount}, nil
}

// FetchAll drives pagination for a branch: fixed page size, terminating
// when offset+limit covers total_count or a page comes back empty, with a
// politeness sleep between pages. Requests for one branch are never
// concurrent.
func (c *Client) FetchAll(ctx context.Context, branchID, branchName string) ([]store.Review, error) {
	var out []store.Review
	offset := 0

	for {
		page, err := c.FetchPage(ctx, branchID, offset, c.pageSize)
		if err != nil {
			return nil, err
		}
		if len(page.Reviews) == 0 {
			break
		}

		for _, raw := range page.Reviews {
			review, ok := c.normalize(raw, branchID, branchName)
			if !ok {
				continue
			}
			out = append(out, review)
		}

		if offset+c.pageSize >= page.TotalCount {
			break
		}
		offset += c.pageSize

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	return out, nil
}

// normalize converts one raw upstream review into the store record.
// Records without an id are dropped with a
// warning; unparsable dates degrade to nil rather than failing the branch.
func (c *Client) normalize(raw rawReview, branchID, branchName string) (store.Review, bool) {
	if raw.ID == "" {
		c.logger.Warn("dropping review without id", "branch_id", branchID, "text_prefix", prefix(raw.Text, 50))
		return store.Review{}, false
	}

	userName := raw.User.Name
	if userName == "" {
		userName = "Аноним"
	}

	var rating *int
	if raw.Rating != nil {
		v := int(*raw.Rating)
		rating = &v
	}

	photos := extractPhotoURLs(raw.Photos)

	r := store.Review{
		ReviewID:      raw.ID,
		BranchID:      branchID,
		BranchName:    branchName,
		UserName:      userName,
		Rating:        rating,
		Text:          raw.Text,
		IsVerified:    raw.IsVerified,
		LikesCount:    raw.LikesCount,
		CommentsCount: raw.CommentsCount,
		PhotosCount:   len(photos),
		PhotosURLs:    photos,
	}

	if t, err := parseUpstreamTime(raw.DateCreated); err == nil {
		r.DateCreated = t
	} else if raw.DateCreated != "" {
		c.logger.Warn("unparsable date_created", "review_id", raw.ID, "value", raw.DateCreated)
	}
	if raw.DateEdited != nil {
		if t, err := parseUpstreamTime(*raw.DateEdited); err == nil {
			r.DateEdited = t
		}
	}
	return r, true
}

// parseUpstreamTime accepts ISO-8601 with Z or offset, plus the bare
// "2006-01-02 15:04:05" shape the upstream occasionally emits.
func parseUpstreamTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			u := t.UTC()
			return &u, nil
		}
	}
	return nil, fmt.Errorf("unrecognized time %q", s)
}

func prefix(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
