package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrBlocked signals the recipient has blocked the bot or deleted the
// chat. The task terminates with the blocked outcome, never a retry.
var ErrBlocked = errors.New("recipient blocked the bot")

// RetryAfterError carries the platform's explicit retry-after delay,
// which is honored verbatim instead of the computed backoff.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("platform rate limit, retry after %s", e.After)
}

// Sender delivers one message to the chat platform. Implementations
// classify failures into ErrBlocked, RetryAfterError, or plain errors.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error
	SendAlbum(ctx context.Context, chatID int64, photoURLs []string, caption string) error
}

// TelegramSender implements Sender on the Bot API.
type TelegramSender struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramSender wraps an authorized bot client.
func NewTelegramSender(bot *tgbotapi.BotAPI) *TelegramSender {
	return &TelegramSender{bot: bot}
}

func (s *TelegramSender) SendText(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := s.bot.Send(msg)
	return classify(err)
}

func (s *TelegramSender) SendPhoto(ctx context.Context, chatID int64, photoURL, caption string) error {
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(photoURL))
	photo.Caption = caption
	_, err := s.bot.Send(photo)
	return classify(err)
}

func (s *TelegramSender) SendAlbum(ctx context.Context, chatID int64, photoURLs []string, caption string) error {
	if len(photoURLs) > 10 {
		photoURLs = photoURLs[:10]
	}
	media := make([]any, 0, len(photoURLs))
	for i, url := range photoURLs {
		item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(url))
		if i == 0 {
			item.Caption = caption
		}
		media = append(media, item)
	}
	group := tgbotapi.NewMediaGroup(chatID, media)
	_, err := s.bot.SendMediaGroup(group)
	return classify(err)
}

// classify maps Bot API failures onto the queue's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter > 0 {
			return &RetryAfterError{After: time.Duration(apiErr.RetryAfter) * time.Second}
		}
		if apiErr.Code == 403 || strings.Contains(apiErr.Message, "Forbidden") {
			return fmt.Errorf("%w: %s", ErrBlocked, apiErr.Message)
		}
		return err
	}
	if strings.Contains(err.Error(), "Forbidden") {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	return err
}
