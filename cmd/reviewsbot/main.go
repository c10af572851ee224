package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/Rus9136/reviews-parser/internal/bot"
	"github.com/Rus9136/reviews-parser/internal/cache"
	"github.com/Rus9136/reviews-parser/internal/config"
	"github.com/Rus9136/reviews-parser/internal/dispatch"
	"github.com/Rus9136/reviews-parser/internal/httpapi"
	"github.com/Rus9136/reviews-parser/internal/ingest"
	"github.com/Rus9136/reviews-parser/internal/queue"
	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/registrysync"
	"github.com/Rus9136/reviews-parser/internal/store"
	"github.com/Rus9136/reviews-parser/internal/upstream"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  serve                   Run the full service: ingestion scheduler,
                          registry synchronizer, notification queue
                          workers, Telegram bot and HTTP API
    --queue-only          Run only the queue workers (horizontal scaling)
  migrate                 Apply schema migrations and exit
  broadcast <text>        Enqueue a system notification to every
                          subscriber and exit
  version                 Print the build version

CONFIGURATION (environment variables):
  DATABASE_URL            Postgres DSN (required)
  TELEGRAM_BOT_TOKEN      Bot credential (required)
  REDIS_URL               Cache backend; absent disables the cache and
                          the queue refuses to start
  PARSER_API_KEY          Upstream reviews API key
  CORS_ALLOWED_ORIGINS    Comma-separated origin allow-list
`, os.Args[0])
}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "serve":
		fs := flag.NewFlagSet("serve", flag.ExitOnError)
		queueOnly := fs.Bool("queue-only", false, "run only the notification queue workers")
		_ = fs.Parse(args[1:])
		runServe(*queueOnly)
	case "migrate":
		runMigrate()
	case "broadcast":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "broadcast requires the message text")
			os.Exit(2)
		}
		runBroadcast(strings.Join(args[1:], " "))
	case "version":
		fmt.Println(Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func mustLoad() (config.Config, *slog.Logger) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg, newLogger(cfg)
}

func runMigrate() {
	cfg, logger := mustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("schema migrations applied")
}

func runBroadcast(text string) {
	cfg, logger := mustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	d := dispatch.New(dispatch.Config{
		Store:  st,
		Queue:  queue.New(st.DB(), logger),
		Cache:  noopInvalidator{},
		Logger: logger,
	})
	sent, err := d.BroadcastSystemMessage(ctx, text)
	if err != nil {
		logger.Error("broadcast failed", "error", err)
		os.Exit(1)
	}
	logger.Info("broadcast enqueued", "recipients", sent)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateBranch(ctx context.Context, branchID string) {}

func runServe(queueOnly bool) {
	cfg, logger := mustLoad()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	// The queue cannot run without its Redis-era replacement semantics:
	// durable tasks live in Postgres, but a missing REDIS_URL
	// still means "no cache, and the queue refuses to start".
	if !cfg.CacheEnabled() {
		logger.Error("REDIS_URL is not set: cache disabled and queue refused to start")
		os.Exit(1)
	}

	var cacheLayer *cache.Cache
	cacheLayer, err = cache.New(cfg.RedisURL, logger)
	if err != nil {
		// Cache outage degrades reads; it must not keep the process down.
		logger.Warn("redis unavailable at startup, cache degraded", "error", err)
	}
	defer cacheLayer.Close()

	q := queue.New(st.DB(), logger)

	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		logger.Error("telegram authorization failed", "error", err)
		os.Exit(1)
	}
	logger.Info("telegram authorized", "user", botAPI.Self.UserName)

	limiter := queue.NewRateLimiter(cfg.QueueRateLimitPerSecond)
	workers := queue.NewWorkers(queue.WorkersConfig{
		Queue:   q,
		Sender:  queue.NewTelegramSender(botAPI),
		Limiter: limiter,
		Count:   cfg.QueueWorkerCount,
		Logger:  logger,
	})
	workers.Start(ctx)
	defer workers.Stop()

	if queueOnly {
		logger.Info("running in queue-only mode", "workers", cfg.QueueWorkerCount)
		<-ctx.Done()
		return
	}

	roster := registry.New(registry.Config{
		SpreadsheetID:   cfg.GoogleSheetsSpreadsheetID,
		CredentialsFile: cfg.GoogleSheetsCredentialsFile,
		CSVFallbackPath: cfg.BranchesCSVPath,
		CacheTTL:        cfg.BranchesRosterTTL,
		Logger:          logger,
	})

	client := upstream.New(upstream.Config{
		APIKey:         cfg.ParserAPIKey,
		Locale:         cfg.ParserLocale,
		RequestDelay:   cfg.ParserRequestDelay,
		RequestTimeout: cfg.ParserRequestTimeout,
		Logger:         logger,
	})

	dispatcher := dispatch.New(dispatch.Config{
		Store:  st,
		Queue:  q,
		Cache:  cacheLayer,
		Logger: logger,
	})

	scheduler, err := ingest.NewScheduler(ingest.Config{
		Roster:      roster,
		Fetcher:     client,
		Store:       st,
		Notifier:    dispatcher,
		Cache:       cacheLayer,
		Logger:      logger,
		Interval:    cfg.IngestInterval,
		CronExpr:    cfg.IngestCronExpr,
		Concurrency: cfg.IngestConcurrency,
		BranchDelay: cfg.ParserBranchDelay,
	})
	if err != nil {
		logger.Error("scheduler configuration invalid", "error", err)
		os.Exit(1)
	}

	synchronizer := registrysync.New(registrysync.Config{
		Roster:   roster,
		Fetcher:  client,
		Store:    st,
		Notifier: dispatcher,
		Cache:    cacheLayer,
		Logger:   logger,
		Interval: cfg.SyncInterval,
	})

	chatBot := bot.New(bot.Config{
		Token:  cfg.TelegramToken,
		Store:  st,
		Roster: roster,
		Logger: logger,
		API:    botAPI,
	})

	apiServer := httpapi.New(httpapi.Config{
		Store:    st,
		Cache:    cacheLayer,
		Registry: roster,
		Sync:     synchronizer,
		Logger:   logger,
		BindAddr: cfg.HTTPBindAddr,
		Origins:  cfg.CORSOrigins,
	})

	synchronizer.Start(ctx)
	defer synchronizer.Stop()
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := chatBot.Start(ctx); err != nil {
			logger.Error("bot stopped with error", "error", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Start(ctx); err != nil {
			logger.Error("http api stopped with error", "error", err)
			stop()
		}
	}()

	logger.Info("service started", "version", Version)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	wg.Wait()
}
