package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://reviews:pw@localhost:5432/reviews")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:token")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ParserLocale != "ru_KZ" {
		t.Errorf("locale default = %q", cfg.ParserLocale)
	}
	if cfg.ParserRequestDelay != time.Second {
		t.Errorf("request delay default = %v", cfg.ParserRequestDelay)
	}
	if cfg.ParserBranchDelay != 2*time.Second {
		t.Errorf("branch delay default = %v", cfg.ParserBranchDelay)
	}
	if cfg.IngestInterval != time.Hour {
		t.Errorf("ingest interval default = %v", cfg.IngestInterval)
	}
	if cfg.QueueRateLimitPerSecond != 30 {
		t.Errorf("rate limit default = %d", cfg.QueueRateLimitPerSecond)
	}
	if cfg.HTTPBindAddr != ":8000" {
		t.Errorf("bind addr default = %q", cfg.HTTPBindAddr)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://reviews.aqniet.site" {
		t.Errorf("cors default = %v", cfg.CORSOrigins)
	}
	if cfg.CacheEnabled() {
		t.Error("cache must be disabled without REDIS_URL")
	}
}

func TestLoadMissingDatabaseURLFatal(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123456:token")
	if _, err := Load(); err == nil {
		t.Fatal("missing DATABASE_URL must be fatal")
	}
}

func TestLoadMissingBotTokenFatal(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Fatal("missing TELEGRAM_BOT_TOKEN must be fatal")
	}
}

func TestLoadCORSList(t *testing.T) {
	setRequired(t)
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[0] != "https://a.example" || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConcurrencyClamped(t *testing.T) {
	setRequired(t)

	t.Setenv("INGEST_CONCURRENCY", "9")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IngestConcurrency != 4 {
		t.Errorf("concurrency must clamp to 4, got %d", cfg.IngestConcurrency)
	}

	t.Setenv("INGEST_CONCURRENCY", "0")
	cfg, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.IngestConcurrency != 1 {
		t.Errorf("concurrency must floor at 1, got %d", cfg.IngestConcurrency)
	}
}

func TestCacheEnabled(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.CacheEnabled() {
		t.Error("cache must be enabled with REDIS_URL set")
	}
}
