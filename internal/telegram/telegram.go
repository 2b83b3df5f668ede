// Package telegram adapts the Telegram Bot API to router events: it
// long-polls updates, downloads attachments and delivers replies.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/avolkov/lifebot/internal/media"
	"github.com/avolkov/lifebot/internal/router"
)

const maxMessageLength = 4096

// Handler processes one inbound event and returns the reply text.
type Handler interface {
	Handle(ctx context.Context, ev router.Event) string
}

// Adapter connects a Telegram bot to a Handler.
type Adapter struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
	client *http.Client
}

// New creates an adapter for the given bot token.
func New(token string, log *slog.Logger) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		bot:    bot,
		logger: log.With(slog.String("adapter", "telegram")),
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Username returns the authenticated bot account name.
func (a *Adapter) Username() string {
	return a.bot.Self.UserName
}

// Run long-polls updates and dispatches each message to the handler until
// the context is canceled. Events are processed concurrently; each one runs
// to completion independently.
func (a *Adapter) Run(ctx context.Context, handler Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			go a.dispatch(ctx, handler, update.Message)
		}
	}
}

func (a *Adapter) dispatch(ctx context.Context, handler Handler, msg *tgbotapi.Message) {
	ev, ok := ToEvent(msg)
	if !ok {
		a.send(msg.Chat.ID, "I can handle text, images, voice messages and documents (PDF, DOCX, TXT).")
		return
	}
	a.logger.Info("inbound message",
		slog.Int64("user_id", ev.UserID), slog.Int("kind", int(ev.Kind)))
	a.send(msg.Chat.ID, handler.Handle(ctx, ev))
}

// Fetch downloads a file by its Telegram file reference.
func (a *Adapter) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// ToEvent converts a Telegram message to a router event. The second return
// is false for message types the bot does not handle.
func ToEvent(msg *tgbotapi.Message) (router.Event, bool) {
	ev := router.Event{
		UserID:    msg.From.ID,
		FirstName: msg.From.FirstName,
		Caption:   msg.Caption,
	}

	switch {
	case msg.IsCommand():
		switch msg.Command() {
		case "start":
			ev.Kind = router.EventStart
		case "reset":
			ev.Kind = router.EventReset
		case "profile":
			ev.Kind = router.EventProfile
			ev.Text = msg.CommandArguments()
		default:
			return router.Event{}, false
		}
		return ev, true

	case len(msg.Photo) > 0:
		// Telegram sends multiple resolutions; the last one is the largest.
		ev.Kind = router.EventPhoto
		ev.FileID = msg.Photo[len(msg.Photo)-1].FileID
		ev.FileName = "photo.jpg"
		return ev, true

	case msg.Document != nil:
		ev.FileID = msg.Document.FileID
		ev.FileName = msg.Document.FileName
		// An image sent as a file goes down the image pipeline.
		if media.ClassifyFile(ev.FileName) == media.FileImage {
			ev.Kind = router.EventPhoto
		} else {
			ev.Kind = router.EventDocument
		}
		return ev, true

	case msg.Voice != nil:
		ev.Kind = router.EventVoice
		ev.FileID = msg.Voice.FileID
		return ev, true

	case msg.Audio != nil:
		ev.Kind = router.EventVoice
		ev.FileID = msg.Audio.FileID
		ev.FileName = msg.Audio.FileName
		return ev, true

	case msg.Text != "":
		ev.Kind = router.EventText
		ev.Text = msg.Text
		return ev, true

	default:
		return router.Event{}, false
	}
}

func (a *Adapter) send(chatID int64, text string) {
	if text == "" {
		return
	}
	if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, truncateMessage(text))); err != nil {
		a.logger.Error("send reply failed", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

// truncateMessage bounds text to the platform message limit without
// splitting a multi-byte rune at the boundary.
func truncateMessage(text string) string {
	if len(text) <= maxMessageLength {
		return text
	}
	cut := maxMessageLength
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
