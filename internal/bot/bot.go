// Package bot is the conversational front end: /start and the
// subscribe / manage / browse flows, implemented as a state machine whose
// current node persists in the store so process restarts are transparent
// to the user.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/Rus9136/reviews-parser/internal/registry"
	"github.com/Rus9136/reviews-parser/internal/store"
)

const (
	stateSweepInterval = 10 * time.Minute
	stateMaxAge        = time.Hour
	browsePageSize     = 5
)

// botStore is the store surface the bot consumes.
type botStore interface {
	UpsertUser(ctx context.Context, u store.User) error
	ActiveSubscriptionsForUser(ctx context.Context, userID string) ([]store.Subscription, error)
	ReconcileSubscriptions(ctx context.Context, userID string, selected map[string]string) error
	DeactivateAllSubscriptions(ctx context.Context, userID string) (int, error)
	GetUserState(ctx context.Context, userID string) ([]byte, error)
	SaveUserState(ctx context.Context, userID string, data []byte) error
	ClearUserState(ctx context.Context, userID string) error
	DeleteStatesOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	ListReviewsByPeriod(ctx context.Context, branchID string, from, to time.Time, offset, limit int) ([]store.Review, error)
}

// rosterSource provides the checklist's branch roster.
type rosterSource interface {
	ListBranches(ctx context.Context) ([]registry.Branch, error)
}

// telegramAPI is the slice of tgbotapi.BotAPI the bot uses; narrowed so
// the handlers are testable without the network.
type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	SendMediaGroup(cfg tgbotapi.MediaGroupConfig) ([]tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config holds the bot dependencies.
type Config struct {
	Token  string
	Store  botStore
	Roster rosterSource
	Logger *slog.Logger

	// API overrides the Bot API client, for tests. When nil, Start
	// authorizes a real client with Token.
	API telegramAPI
}

// Bot runs the long-poll event loop.
type Bot struct {
	token  string
	store  botStore
	roster rosterSource
	logger *slog.Logger
	api    telegramAPI

	wg sync.WaitGroup
}

// New creates a Bot.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		token:  cfg.Token,
		store:  cfg.Store,
		roster: cfg.Roster,
		logger: logger,
		api:    cfg.API,
	}
}

// Start authorizes against the Bot API and blocks on the polling loop
// until ctx is cancelled, reconnecting with exponential backoff on
// transport failures.
func (b *Bot) Start(ctx context.Context) error {
	if b.api == nil {
		api, err := tgbotapi.NewBotAPI(b.token)
		if err != nil {
			return fmt.Errorf("telegram init failed: %w", err)
		}
		b.api = api
		b.logger.Info("telegram bot authorized", "user", api.Self.UserName)
	}

	b.wg.Add(1)
	go b.sweepStates(ctx)
	defer b.wg.Wait()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := b.api.GetUpdatesChan(u)

		pollErr := b.pollUpdates(ctx, updates)
		b.api.StopReceivingUpdates()

		if pollErr != nil {
			b.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return nil
	}
}

// pollUpdates drains the update channel until ctx ends or the channel
// closes. Each update is handled to completion before the next one.
func (b *Bot) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// sweepStates prunes session states older than one hour.
func (b *Bot) sweepStates(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(stateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.store.DeleteStatesOlderThan(ctx, time.Now().Add(-stateMaxAge))
			if err != nil {
				b.logger.Error("session state sweep failed", "error", err)
				continue
			}
			if n > 0 {
				b.logger.Info("stale session states pruned", "count", n)
			}
		}
	}
}

// handleUpdate routes one update. Panics are contained here so a single
// malformed update can never take the loop down.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("update handler panicked", "panic", r)
		}
	}()

	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		b.handleCommand(ctx, update.Message)
	case update.Message != nil:
		b.handleText(ctx, update.Message)
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn("telegram send failed", "error", err)
	}
}

func (b *Bot) editText(chatID int64, messageID int, text string, keyboard *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ReplyMarkup = keyboard
	b.send(edit)
}
