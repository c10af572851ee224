package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseRowsValidation(t *testing.T) {
	r := New(Config{Logger: testLogger()})

	rows := [][]string{
		{"Название точки", "ИД 2gist", "ИД steady", "id_iiko"},
		{"Филиал Центр", "70000001057699052", "st-1", "iiko-1"},
		{"Без ИД", "", "st-2", ""},
		{"Литерал null", "null", "", ""},
		{"Литерал none", "NONE", "", ""},
		{"Не цифры", "abc123", "", ""},
		{"Второй", "70000001012345678", "null", "iiko-2"},
	}

	got := r.parseRows(rows, "test")
	if len(got) != 2 {
		t.Fatalf("expected 2 valid branches, got %d: %+v", len(got), got)
	}
	if got[0].BranchID != "70000001057699052" || got[0].Name != "Филиал Центр" {
		t.Errorf("first branch mismatch: %+v", got[0])
	}
	if got[0].IDSteady != "st-1" || got[0].IDIiko != "iiko-1" {
		t.Errorf("alt ids not captured: %+v", got[0])
	}
	if got[1].IDSteady != "" {
		t.Errorf("literal null steady id should be absent: %+v", got[1])
	}
	if got[1].IDIiko != "iiko-2" {
		t.Errorf("iiko id not captured: %+v", got[1])
	}
}

func TestParseRowsMissingHeader(t *testing.T) {
	r := New(Config{Logger: testLogger()})
	rows := [][]string{
		{"something", "else"},
		{"Филиал", "70000001057699052"},
	}
	if got := r.parseRows(rows, "test"); got != nil {
		t.Fatalf("expected nil for unrecognized header, got %+v", got)
	}
}

func TestCSVFallbackWithBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branches.csv")
	content := "\xEF\xBB\xBFНазвание точки;ИД 2gist;ИД steady;id_iiko\n" +
		"Филиал Юг;70000001011111111;;iiko-9\n" +
		"Сломанный;null;;\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(Config{CSVFallbackPath: path, Logger: testLogger()})
	branches, err := r.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 1 {
		t.Fatalf("expected 1 branch, got %d", len(branches))
	}
	if branches[0].BranchID != "70000001011111111" || branches[0].IDIiko != "iiko-9" {
		t.Errorf("branch mismatch: %+v", branches[0])
	}
}

func TestStaleCacheServedOnFailure(t *testing.T) {
	r := New(Config{
		SpreadsheetID:   "sheet-id",
		CredentialsFile: "creds.json",
		CSVFallbackPath: "/nonexistent/branches.csv",
		CacheTTL:        time.Nanosecond,
		Logger:          testLogger(),
	})

	calls := 0
	r.fetchSheet = func(ctx context.Context) ([][]string, error) {
		calls++
		if calls == 1 {
			return [][]string{
				{"Название точки", "ИД 2gist"},
				{"Филиал", "70000001057699052"},
			}, nil
		}
		return nil, fmt.Errorf("quota exceeded")
	}

	first, err := r.ListBranches(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("first load: %v, %d branches", err, len(first))
	}

	time.Sleep(time.Millisecond) // expire the TTL

	second, err := r.ListBranches(context.Background())
	if err != nil {
		t.Fatalf("expected stale cache, got error: %v", err)
	}
	if len(second) != 1 || second[0].BranchID != first[0].BranchID {
		t.Errorf("stale cache mismatch: %+v", second)
	}
}

func TestNoRosterAnywhere(t *testing.T) {
	r := New(Config{CSVFallbackPath: "/nonexistent/branches.csv", Logger: testLogger()})
	_, err := r.ListBranches(context.Background())
	if !errors.Is(err, ErrNoRoster) {
		t.Fatalf("expected ErrNoRoster, got %v", err)
	}
}

func TestLookupByIikoID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "branches.csv")
	content := "Название точки;ИД 2gist;ИД steady;id_iiko\n" +
		"Один;70000001000000001;;iiko-a\n" +
		"Два;70000001000000002;;iiko-b\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New(Config{CSVFallbackPath: path, Logger: testLogger()})
	b, ok, err := r.LookupByIikoID(context.Background(), "iiko-b")
	if err != nil || !ok {
		t.Fatalf("lookup: ok=%v err=%v", ok, err)
	}
	if b.BranchID != "70000001000000002" {
		t.Errorf("wrong branch: %+v", b)
	}

	_, ok, err = r.LookupByIikoID(context.Background(), "missing")
	if err != nil || ok {
		t.Errorf("expected not found, ok=%v err=%v", ok, err)
	}
}
