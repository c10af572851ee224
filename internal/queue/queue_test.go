package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		name      string
		priority  Priority
		attempt   int
		suggested *time.Duration
		want      time.Duration
	}{
		{"normal first", PriorityNormal, 1, nil, 60 * time.Second},
		{"normal second", PriorityNormal, 2, nil, 60 * time.Second},
		{"high first", PriorityHigh, 1, nil, 60 * time.Second},
		{"high second", PriorityHigh, 2, nil, 120 * time.Second},
		{"high fourth", PriorityHigh, 4, nil, 480 * time.Second},
		{"suggested wins", PriorityNormal, 1, durPtr(17 * time.Second), 17 * time.Second},
		{"suggested wins over exponential", PriorityHigh, 3, durPtr(5 * time.Second), 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryDelay(tt.priority, tt.attempt, tt.suggested); got != tt.want {
				t.Errorf("RetryDelay = %v, want %v", got, tt.want)
			}
		})
	}
}

func durPtr(d time.Duration) *time.Duration { return &d }

func TestTaskLane(t *testing.T) {
	if (Task{Attempt: 0}).Lane() != "normal" {
		t.Error("fresh task should ride the normal lane")
	}
	if (Task{Attempt: 2}).Lane() != "retry" {
		t.Error("failed task should ride the retry lane")
	}
}

func TestRateLimiterBurstThenBlocks(t *testing.T) {
	l := NewRateLimiter(5)

	for i := 0; i < 5; i++ {
		if !l.TryAcquire() {
			t.Fatalf("token %d should be available in the initial burst", i)
		}
	}
	if l.TryAcquire() {
		t.Fatal("sixth immediate acquire should fail")
	}

	// A token refills after ~1/5 s.
	time.Sleep(250 * time.Millisecond)
	if !l.TryAcquire() {
		t.Fatal("token should have refilled")
	}
}

func TestRateLimiterAcquireRespectsContext(t *testing.T) {
	l := NewRateLimiter(1)
	if !l.TryAcquire() {
		t.Fatal("initial token missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

// fakeSource records outcome calls for worker dispatch tests.
type fakeSource struct {
	mu        sync.Mutex
	succeeded []int64
	blocked   []int64
	retries   []retryCall
}

type retryCall struct {
	taskID    int64
	suggested *time.Duration
}

func (f *fakeSource) ClaimNext(ctx context.Context, owner string) (*Task, error) { return nil, nil }
func (f *fakeSource) MarkSucceeded(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, id)
	return nil
}
func (f *fakeSource) MarkBlocked(ctx context.Context, id int64, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, id)
	return nil
}
func (f *fakeSource) ScheduleRetry(ctx context.Context, t *Task, cause string, suggested *time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retryCall{taskID: t.ID, suggested: suggested})
	return true, nil
}
func (f *fakeSource) RequeueExpiredLeases(ctx context.Context) (int, error) { return 0, nil }

// fakeSender records which send shape was used and returns a scripted error.
type fakeSender struct {
	mu     sync.Mutex
	calls  []string
	photos [][]string
	err    error
}

func (f *fakeSender) SendText(ctx context.Context, chatID int64, text string) error {
	f.record("text", nil)
	return f.err
}
func (f *fakeSender) SendPhoto(ctx context.Context, chatID int64, url, caption string) error {
	f.record("photo", []string{url})
	return f.err
}
func (f *fakeSender) SendAlbum(ctx context.Context, chatID int64, urls []string, caption string) error {
	f.record("album", urls)
	return f.err
}
func (f *fakeSender) record(kind string, urls []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, kind)
	f.photos = append(f.photos, urls)
}

func newTestWorkers(source taskSource, sender Sender) *Workers {
	return &Workers{
		source:  source,
		sender:  sender,
		limiter: NewRateLimiter(1000),
		logger:  quietLogger(),
		count:   1,
	}
}

func TestDispatchPhotoRules(t *testing.T) {
	urls := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = fmt.Sprintf("https://img.example/%d.jpg", i)
		}
		return out
	}

	tests := []struct {
		name       string
		photos     []string
		wantKind   string
		wantPhotos int
	}{
		{"no photos", nil, "text", 0},
		{"one photo", urls(1), "photo", 1},
		{"two photos", urls(2), "album", 2},
		{"ten photos", urls(10), "album", 10},
		{"twelve photos truncate", urls(12), "album", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := &fakeSource{}
			sender := &fakeSender{}
			w := newTestWorkers(source, sender)

			w.dispatch(context.Background(), &Task{ID: 7, ChatID: 100, Text: "msg", Photos: tt.photos})

			if len(sender.calls) != 1 || sender.calls[0] != tt.wantKind {
				t.Fatalf("calls = %v, want one %q", sender.calls, tt.wantKind)
			}
			if got := len(sender.photos[0]); got != tt.wantPhotos {
				t.Errorf("photos sent = %d, want %d", got, tt.wantPhotos)
			}
			if len(source.succeeded) != 1 {
				t.Errorf("task not marked succeeded: %+v", source)
			}
		})
	}
}

func TestDispatchBlockedIsTerminal(t *testing.T) {
	source := &fakeSource{}
	sender := &fakeSender{err: fmt.Errorf("%w: bot was blocked by the user", ErrBlocked)}
	w := newTestWorkers(source, sender)

	w.dispatch(context.Background(), &Task{ID: 3, ChatID: 42, Text: "msg"})

	if len(source.blocked) != 1 || source.blocked[0] != 3 {
		t.Fatalf("expected blocked outcome, got %+v", source)
	}
	if len(source.retries) != 0 {
		t.Errorf("blocked task must not retry: %+v", source.retries)
	}
}

func TestDispatchRetryAfterHonored(t *testing.T) {
	source := &fakeSource{}
	sender := &fakeSender{err: &RetryAfterError{After: 42 * time.Second}}
	w := newTestWorkers(source, sender)

	w.dispatch(context.Background(), &Task{ID: 9, ChatID: 42, Text: "msg", MaxAttempts: 3})

	if len(source.retries) != 1 {
		t.Fatalf("expected one retry, got %+v", source)
	}
	if source.retries[0].suggested == nil || *source.retries[0].suggested != 42*time.Second {
		t.Errorf("suggested delay not honored verbatim: %+v", source.retries[0].suggested)
	}
}

func TestDispatchGenericErrorRetries(t *testing.T) {
	source := &fakeSource{}
	sender := &fakeSender{err: errors.New("connection reset by peer")}
	w := newTestWorkers(source, sender)

	w.dispatch(context.Background(), &Task{ID: 5, ChatID: 42, Text: "msg", MaxAttempts: 3})

	if len(source.retries) != 1 || source.retries[0].suggested != nil {
		t.Fatalf("expected one retry without suggested delay, got %+v", source.retries)
	}
	if len(source.succeeded) != 0 || len(source.blocked) != 0 {
		t.Errorf("no other outcome expected: %+v", source)
	}
}
