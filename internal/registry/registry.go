// Package registry exposes the authoritative roster of branches from a
// Google Sheets document, with a local CSV fallback and a short-TTL
// in-process cache.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	sheets "google.golang.org/api/sheets/v4"
)

// Branch is one roster entry. BranchID is the upstream (2GIS) id; the alt
// ids are optional cross-system identifiers.
type Branch struct {
	Name     string
	BranchID string
	IDSteady string
	IDIiko   string
}

// Config holds the registry's dependencies and sources.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
	CSVFallbackPath string
	CacheTTL        time.Duration // defaults to 5 minutes
	Logger          *slog.Logger
}

// Registry loads and caches the branch roster.
type Registry struct {
	spreadsheetID   string
	credentialsFile string
	csvPath         string
	ttl             time.Duration
	logger          *slog.Logger

	// fetchSheet is swappable for tests; defaults to the Sheets API call.
	fetchSheet func(ctx context.Context) ([][]string, error)

	mu        sync.Mutex
	cached    []Branch
	fetchedAt time.Time
}

// ErrNoRoster is returned when every source has failed and no cache has
// ever been populated.
var ErrNoRoster = errors.New("registry: no roster available from any source")

// New creates a Registry. When the spreadsheet id or credentials file is
// unset, the remote source is skipped entirely and only the CSV fallback
// is consulted.
func New(cfg Config) *Registry {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		spreadsheetID:   cfg.SpreadsheetID,
		credentialsFile: cfg.CredentialsFile,
		csvPath:         cfg.CSVFallbackPath,
		ttl:             ttl,
		logger:          logger,
	}
	r.fetchSheet = r.fetchFromSheets
	return r
}

// ListBranches returns the roster, refetching when the cache has expired.
// On fetch failure with a previously populated cache, the stale cache is
// returned with a warning; the call only fails when nothing has ever
// loaded and the CSV fallback is unavailable too.
func (r *Registry) ListBranches(ctx context.Context) ([]Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil && time.Since(r.fetchedAt) < r.ttl {
		return r.cached, nil
	}

	branches, err := r.load(ctx)
	if err != nil {
		if r.cached != nil {
			r.logger.Warn("roster refresh failed, serving stale cache",
				"error", err, "age", time.Since(r.fetchedAt))
			return r.cached, nil
		}
		return nil, err
	}

	r.cached = branches
	r.fetchedAt = time.Now()
	return branches, nil
}

// LookupByUpstreamID finds a roster entry by its 2GIS id.
func (r *Registry) LookupByUpstreamID(ctx context.Context, branchID string) (Branch, bool, error) {
	branches, err := r.ListBranches(ctx)
	if err != nil {
		return Branch{}, false, err
	}
	for _, b := range branches {
		if b.BranchID == branchID {
			return b, true, nil
		}
	}
	return Branch{}, false, nil
}

// LookupByIikoID finds a roster entry by its id_iiko cross-system id.
func (r *Registry) LookupByIikoID(ctx context.Context, idIiko string) (Branch, bool, error) {
	branches, err := r.ListBranches(ctx)
	if err != nil {
		return Branch{}, false, err
	}
	for _, b := range branches {
		if b.IDIiko == idIiko {
			return b, true, nil
		}
	}
	return Branch{}, false, nil
}

// Invalidate forces a refetch on the next call.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchedAt = time.Time{}
}

func (r *Registry) load(ctx context.Context) ([]Branch, error) {
	var sheetErr error
	if r.spreadsheetID != "" && r.credentialsFile != "" {
		rows, err := r.fetchSheet(ctx)
		if err == nil {
			return r.parseRows(rows, "google_sheets"), nil
		}
		sheetErr = err
		r.logger.Warn("google sheets roster fetch failed, trying CSV fallback", "error", err)
	}

	rows, csvErr := readRosterCSV(r.csvPath)
	if csvErr != nil {
		if sheetErr != nil {
			return nil, fmt.Errorf("%w: sheets: %v; csv: %v", ErrNoRoster, sheetErr, csvErr)
		}
		return nil, fmt.Errorf("%w: csv: %v", ErrNoRoster, csvErr)
	}
	return r.parseRows(rows, "csv_fallback"), nil
}

func (r *Registry) fetchFromSheets(ctx context.Context) ([][]string, error) {
	svc, err := sheets.NewService(ctx,
		option.WithCredentialsFile(r.credentialsFile),
		option.WithScopes(sheets.SpreadsheetsReadonlyScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}

	resp, err := svc.Spreadsheets.Values.Get(r.spreadsheetID, "A:D").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets values get: %w", err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, cell := range raw {
			row[i] = fmt.Sprintf("%v", cell)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// parseRows converts header+data rows into validated roster entries. Rows
// whose 2GIS id is blank, the literal "null"/"none", or non-numeric are
// dropped with a warning.
func (r *Registry) parseRows(rows [][]string, source string) []Branch {
	if len(rows) == 0 {
		return nil
	}

	nameCol, idCol, steadyCol, iikoCol := headerColumns(rows[0])
	if nameCol < 0 || idCol < 0 {
		r.logger.Warn("roster header row missing required columns", "source", source)
		return nil
	}

	var out []Branch
	for _, row := range rows[1:] {
		name := strings.TrimSpace(cellAt(row, nameCol))
		branchID := strings.TrimSpace(cellAt(row, idCol))

		if name == "" {
			continue
		}
		if isAbsent(branchID) {
			r.logger.Warn("roster row dropped: missing 2GIS id", "branch", name, "source", source)
			continue
		}
		if !isDigits(branchID) {
			r.logger.Warn("roster row dropped: non-numeric 2GIS id", "branch", name, "id", branchID, "source", source)
			continue
		}

		b := Branch{Name: name, BranchID: branchID}
		if steadyCol >= 0 {
			if v := strings.TrimSpace(cellAt(row, steadyCol)); !isAbsent(v) {
				b.IDSteady = v
			}
		}
		if iikoCol >= 0 {
			if v := strings.TrimSpace(cellAt(row, iikoCol)); !isAbsent(v) {
				b.IDIiko = v
			}
		}
		out = append(out, b)
	}

	r.logger.Info("roster loaded", "source", source, "branches", len(out))
	return out
}

// headerColumns matches header cells by substring, tolerating trailing
// annotations and quoting artifacts around the expected names.
func headerColumns(header []string) (name, id, steady, iiko int) {
	name, id, steady, iiko = -1, -1, -1, -1
	for i, cell := range header {
		switch {
		case strings.Contains(cell, "Название точки"):
			name = i
		case strings.Contains(cell, "ИД 2gist"):
			id = i
		case strings.Contains(cell, "ИД steady"):
			steady = i
		case strings.Contains(cell, "id_iiko"):
			iiko = i
		}
	}
	return name, id, steady, iiko
}

func cellAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isAbsent(v string) bool {
	switch strings.ToLower(v) {
	case "", "null", "none":
		return true
	}
	return false
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
