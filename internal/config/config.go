// Package config loads runtime configuration from environment variables.
//
// The configuration surface is environment-variable only; there is no
// config file to merge against.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-derived setting the service needs.
type Config struct {
	DatabaseURL   string
	RedisURL      string
	ParserAPIKey  string
	TelegramToken string
	CORSOrigins   []string

	ParserLocale                string
	ParserRequestDelay          time.Duration
	ParserBranchDelay           time.Duration
	ParserRequestTimeout        time.Duration
	IngestInterval              time.Duration
	IngestCronExpr              string
	IngestConcurrency           int
	SyncInterval                time.Duration
	QueueWorkerCount            int
	QueueRateLimitPerSecond     int
	GoogleSheetsCredentialsFile string
	GoogleSheetsSpreadsheetID   string
	BranchesCSVPath             string
	BranchesRosterTTL           time.Duration
	HTTPBindAddr                string
	LogLevel                    string
	LogFormat                   string
}

// Load reads and validates configuration from the process environment.
// Missing DATABASE_URL or TELEGRAM_BOT_TOKEN is fatal.
// Missing REDIS_URL is not fatal here — it disables the cache and the
// caller (cmd/reviewsbot) must itself refuse to start the queue.
func Load() (Config, error) {
	cfg := Config{
		ParserLocale:                envOr("PARSER_LOCALE", "ru_KZ"),
		ParserRequestDelay:          envDurationSeconds("PARSER_REQUEST_DELAY_SECONDS", 1),
		ParserBranchDelay:           envDurationSeconds("PARSER_BRANCH_DELAY_SECONDS", 2),
		ParserRequestTimeout:        envDurationSeconds("PARSER_REQUEST_TIMEOUT_SECONDS", 30),
		IngestInterval:              envDurationSeconds("INGEST_INTERVAL_SECONDS", 3600),
		IngestCronExpr:              os.Getenv("INGEST_CRON_EXPR"),
		IngestConcurrency:           envInt("INGEST_CONCURRENCY", 1),
		SyncInterval:                envDurationSeconds("SYNC_INTERVAL_SECONDS", 21600),
		QueueWorkerCount:            envInt("QUEUE_WORKER_COUNT", 2),
		QueueRateLimitPerSecond:     envInt("QUEUE_RATE_LIMIT_PER_SECOND", 30),
		GoogleSheetsCredentialsFile: os.Getenv("GOOGLE_SHEETS_CREDENTIALS_FILE"),
		GoogleSheetsSpreadsheetID:   os.Getenv("GOOGLE_SHEETS_SPREADSHEET_ID"),
		BranchesCSVPath:             envOr("BRANCHES_CSV_PATH", "data/branches.csv"),
		BranchesRosterTTL:           envDurationSeconds("BRANCHES_ROSTER_TTL_SECONDS", 300),
		HTTPBindAddr:                envOr("HTTP_BIND_ADDR", ":8000"),
		LogLevel:                    envOr("LOG_LEVEL", "info"),
		LogFormat:                   envOr("LOG_FORMAT", "json"),
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	if cfg.TelegramToken == "" {
		return cfg, fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.ParserAPIKey = os.Getenv("PARSER_API_KEY")

	if raw := os.Getenv("CORS_ALLOWED_ORIGINS"); raw != "" {
		for _, o := range strings.Split(raw, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	} else {
		cfg.CORSOrigins = []string{"https://reviews.aqniet.site"}
	}

	if cfg.IngestConcurrency < 1 {
		cfg.IngestConcurrency = 1
	}
	if cfg.IngestConcurrency > 4 {
		cfg.IngestConcurrency = 4
	}

	return cfg, nil
}

// CacheEnabled reports whether REDIS_URL was configured.
func (c Config) CacheEnabled() bool {
	return c.RedisURL != ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationSeconds(key string, fallbackSeconds int) time.Duration {
	secs := envInt(key, fallbackSeconds)
	return time.Duration(secs) * time.Second
}
