// Package router classifies inbound chat events by media kind and drives the
// per-kind pipeline: load history, normalize the attachment, call the
// completion gateway and persist both turns. It is the only component aware
// of message-kind branching.
package router

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/avolkov/lifebot/internal/gateway"
	"github.com/avolkov/lifebot/internal/logger"
	"github.com/avolkov/lifebot/internal/media"
	"github.com/avolkov/lifebot/internal/store"
)

// EventKind is the closed set of inbound event kinds.
type EventKind int

const (
	EventText EventKind = iota
	EventPhoto
	EventDocument
	EventVoice
	EventStart
	EventReset
	EventProfile
)

// Event is one inbound chat event. Media events carry a retrievable file
// reference; command events carry their argument string in Text.
type Event struct {
	Kind      EventKind
	UserID    int64
	FirstName string
	Text      string
	Caption   string
	FileID    string
	FileName  string
}

// FileFetcher downloads an attachment by its platform file reference.
type FileFetcher interface {
	Fetch(ctx context.Context, fileID string) ([]byte, error)
}

const (
	historyLimit = 20
	// Bound on user-facing error text so replies never overflow platform
	// message limits.
	replyErrorLimit = 400

	defaultImageCaption = "What is in this image?"

	unsupportedDocumentReply = "Could not extract text from the document. Supported formats: PDF, DOCX, TXT."
	unsupportedFileReply     = "This file type is not supported yet. Send an image or a document (PDF, DOCX, TXT)."
	notReadyReply            = "The bot is not ready yet. Please try again in a moment."
)

// Router dispatches inbound events to the appropriate pipeline.
type Router struct {
	store *store.Store
	gw    *gateway.Gateway
	files FileFetcher
}

// New creates a router over explicitly injected dependencies.
func New(st *store.Store, gw *gateway.Gateway, files FileFetcher) *Router {
	return &Router{store: st, gw: gw, files: files}
}

// Handle processes one inbound event to completion and returns the reply
// text. Every outcome, success or failure, becomes a bounded plain-text
// reply; no error escapes to the platform surface.
func (r *Router) Handle(ctx context.Context, ev Event) string {
	switch ev.Kind {
	case EventStart:
		return r.handleStart(ctx, ev)
	case EventReset:
		return r.handleReset(ctx, ev)
	case EventProfile:
		return r.handleProfile(ctx, ev)
	default:
		return r.process(ctx, ev)
	}
}

// FSM states and triggers for the per-event pipeline.
type pipeState stateless.State

var (
	stateNormalizing pipeState = "Normalizing"
	stateCompleting  pipeState = "Completing"
	stateDone        pipeState = "Done"
	stateError       pipeState = "Error"
)

type pipeTrigger stateless.Trigger

var (
	triggerProcessEvent pipeTrigger = "ProcessEvent"
	triggerNormalized   pipeTrigger = "Normalized"
	triggerRejected     pipeTrigger = "Rejected"
	triggerCompleted    pipeTrigger = "Completed"
	triggerFailed       pipeTrigger = "Failed"
)

// pipeContext carries the per-request data across FSM states.
type pipeContext struct {
	userContent string // what gets persisted as the user turn
	modelTurn   openai.ChatCompletionMessage
	rejection   string // short-circuit reply, no gateway call made
	reply       string
	lastError   error
	cleanups    []func()
}

// process drives one text or media event through a per-request state
// machine: normalize the input, then complete against history.
func (r *Router) process(ctx context.Context, ev Event) string {
	p := &pipeContext{}
	defer func() {
		for _, cleanup := range p.cleanups {
			cleanup()
		}
	}()

	fsm := stateless.NewStateMachine(stateNormalizing)

	fsm.Configure(stateNormalizing).
		PermitReentry(triggerProcessEvent).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if err := r.normalize(ctx, ev, p); err != nil {
				p.lastError = err
				return fsm.FireCtx(ctx, triggerFailed)
			}
			if p.rejection != "" {
				return fsm.FireCtx(ctx, triggerRejected)
			}
			return fsm.FireCtx(ctx, triggerNormalized)
		}).
		Permit(triggerNormalized, stateCompleting).
		Permit(triggerRejected, stateDone).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateCompleting).
		OnEntry(func(ctx context.Context, _ ...any) error {
			reply, err := r.complete(ctx, ev.UserID, p)
			if err != nil {
				p.lastError = err
				return fsm.FireCtx(ctx, triggerFailed)
			}
			p.reply = reply
			return fsm.FireCtx(ctx, triggerCompleted)
		}).
		Permit(triggerCompleted, stateDone).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateDone)
	fsm.Configure(stateError)

	if err := fsm.FireCtx(ctx, triggerProcessEvent); err != nil {
		logger.L.Error("pipeline fire failed", "error", err)
		if p.lastError == nil {
			p.lastError = err
		}
	}

	state, err := fsm.State(ctx)
	if err != nil {
		logger.L.Error("pipeline state lookup failed", "error", err)
		return notReadyReply
	}
	switch state {
	case stateDone:
		if p.rejection != "" {
			return p.rejection
		}
		return p.reply
	default:
		return r.errorReply(ev.UserID, p.lastError)
	}
}

// normalize converts the event into a persistable user turn plus a
// model-ready message, staging and cleaning up any downloaded media.
func (r *Router) normalize(ctx context.Context, ev Event, p *pipeContext) error {
	switch ev.Kind {
	case EventText:
		p.userContent = ev.Text
		p.modelTurn = gateway.TextTurn(ev.Text)
		return nil

	case EventPhoto:
		path, err := r.stage(ctx, ev, ".jpg", p)
		if err != nil {
			return err
		}
		img, err := media.EncodeImage(path)
		if err != nil {
			return err
		}
		caption := ev.Caption
		if caption == "" {
			caption = defaultImageCaption
		}
		p.userContent = "[Image]: " + caption
		p.modelTurn = gateway.ImageTurn(caption, img)
		return nil

	case EventDocument:
		if media.ClassifyFile(ev.FileName) == media.FileUnknown {
			p.rejection = unsupportedFileReply
			return nil
		}
		path, err := r.stage(ctx, ev, ".bin", p)
		if err != nil {
			return err
		}
		text, err := media.ExtractText(path)
		if err != nil {
			return err
		}
		if text == "" {
			p.rejection = unsupportedDocumentReply
			return nil
		}
		content := "[Document contents]:\n" + text
		if ev.Caption != "" {
			content = ev.Caption + "\n\n" + content
		}
		p.userContent = "[Document]: " + ev.Caption
		p.modelTurn = gateway.TextTurn(content)
		return nil

	case EventVoice:
		path, err := r.stage(ctx, ev, ".ogg", p)
		if err != nil {
			return err
		}
		transcript, err := r.gw.Transcribe(ctx, path)
		if err != nil {
			return err
		}
		p.userContent = "[Voice message]"
		p.modelTurn = gateway.TextTurn("[Voice message]: " + transcript)
		return nil

	default:
		return fmt.Errorf("unexpected event kind %d", ev.Kind)
	}
}

// stage downloads the event's file and writes it to a scoped temporary
// location, registering its removal with the pipeline.
func (r *Router) stage(ctx context.Context, ev Event, fallbackExt string, p *pipeContext) (string, error) {
	data, err := r.files.Fetch(ctx, ev.FileID)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(ev.FileName))
	if ext == "" {
		ext = fallbackExt
	}
	path, cleanup, err := media.StageFile(data, ext)
	if err != nil {
		return "", err
	}
	p.cleanups = append(p.cleanups, cleanup)
	return path, nil
}

// complete persists the user turn, calls the gateway with the prior history
// and persists the reply. The user turn is written before the completion
// call, so history stays consistent even when the reply fails; no
// placeholder assistant turn is recorded for failures.
func (r *Router) complete(ctx context.Context, userID int64, p *pipeContext) (string, error) {
	history, err := r.store.Recent(ctx, userID, historyLimit)
	if err != nil {
		return "", err
	}
	if err := r.store.Append(ctx, userID, openai.ChatMessageRoleUser, p.userContent); err != nil {
		return "", err
	}
	reply, err := r.gw.Complete(ctx, history, p.modelTurn)
	if err != nil {
		return "", err
	}
	if err := r.store.Append(ctx, userID, openai.ChatMessageRoleAssistant, reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (r *Router) handleStart(ctx context.Context, ev Event) string {
	profile, err := r.store.Profile(ctx, ev.UserID)
	if err != nil {
		return r.errorReply(ev.UserID, err)
	}
	if profile == nil {
		if err := r.store.UpsertProfile(ctx, ev.UserID, store.ProfileUpdate{}); err != nil {
			return r.errorReply(ev.UserID, err)
		}
	}

	name := ev.FirstName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf(`Hi, %s!

I am your lifestyle assistant. I help you improve your wellbeing through small, clear habit changes.

I can:
- answer text messages
- analyze images
- process voice messages
- read documents (PDF, DOCX, TXT)

Just write to me or send a file!`, name)
}

func (r *Router) handleReset(ctx context.Context, ev Event) string {
	if err := r.store.Clear(ctx, ev.UserID); err != nil {
		return r.errorReply(ev.UserID, err)
	}
	return "Conversation history cleared. Let's start over!"
}

// handleProfile parses "height=182 weight=76" pairs into a partial profile
// update. Unknown keys are stored as preferences.
func (r *Router) handleProfile(ctx context.Context, ev Event) string {
	update := store.ProfileUpdate{}
	parsed := false
	for _, field := range strings.Fields(ev.Text) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "height":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "Could not parse height; expected a number, e.g. height=182"
			}
			update.Height = &v
		case "weight":
			v, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return "Could not parse weight; expected a number, e.g. weight=76.5"
			}
			update.Weight = &v
		default:
			if update.Preferences == nil {
				update.Preferences = map[string]any{}
			}
			update.Preferences[strings.ToLower(key)] = value
		}
		parsed = true
	}
	if !parsed {
		return "Usage: /profile height=182 weight=76.5"
	}
	if err := r.store.UpsertProfile(ctx, ev.UserID, update); err != nil {
		return r.errorReply(ev.UserID, err)
	}
	return "Profile updated."
}

// errorReply maps an error to a bounded user-facing message by its kind.
func (r *Router) errorReply(userID int64, err error) string {
	if err == nil {
		return notReadyReply
	}
	logger.L.Error("event processing failed", "user_id", userID, "error", err)

	var storageErr *store.StorageError
	var extractErr *media.ExtractionError
	switch {
	case errors.Is(err, media.ErrFFmpegMissing):
		return truncateReply("Voice messages are unavailable: " + media.ErrFFmpegMissing.Error())
	case errors.As(err, &storageErr):
		return notReadyReply
	case errors.As(err, &extractErr):
		return truncateReply("Could not extract text from the file: " + extractErr.Error())
	default:
		return truncateReply("Sorry, something went wrong: " + err.Error())
	}
}

func truncateReply(msg string) string {
	if len(msg) <= replyErrorLimit {
		return msg
	}
	cut := replyErrorLimit
	// Never split a multi-byte rune at the boundary.
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
