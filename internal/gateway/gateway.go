// Package gateway is the single point of contact with the hosted language
// model: chat completions over persisted history, and audio transcription
// with a one-shot transcoding fallback.
package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/avolkov/lifebot/internal/config"
	"github.com/avolkov/lifebot/internal/logger"
	"github.com/avolkov/lifebot/internal/media"
	"github.com/avolkov/lifebot/internal/store"
)

const defaultSystemPrompt = "You are a personal lifestyle assistant. You help the user improve their wellbeing, " +
	"reduce belly fat and lower the impact of food on blood sugar through small, clear habit changes. " +
	"Answer accurately and concisely."

// Sampling temperature is a configuration constant, not a request-time parameter.
const completionTemperature = 0.7

// Truncation bound for upstream error text surfaced to users.
const errorDisplayLimit = 300

// CompletionError wraps any failure from the language-model call.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return "completion failed: " + truncateError(e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// TranscriptionError is terminal: it is raised after the single transcoding
// fallback, or for any non-format transcription failure.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return "transcription failed: " + truncateError(e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// Converter repairs audio formats the transcription API rejects.
type Converter interface {
	Convert(ctx context.Context, inputPath string) (string, error)
}

// Gateway wraps the language-model API.
type Gateway struct {
	client       Client
	model        string
	systemPrompt string
	converter    Converter
}

// New creates a gateway over the given client. converter is invoked only when
// a transcription fails with a format-related error; without one, such a
// failure is terminal immediately.
func New(client Client, cfg config.OpenAIConfig, converter Converter) *Gateway {
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return &Gateway{
		client:       client,
		model:        cfg.Model,
		systemPrompt: systemPrompt,
		converter:    converter,
	}
}

// TextTurn builds a plain-text user turn.
func TextTurn(text string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	}
}

// ImageTurn builds a user turn carrying a caption and an encoded image.
func ImageTurn(caption string, img media.ImageContent) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: caption},
			{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: img.DataURL},
			},
		},
	}
}

// Complete prepends the system prompt to the ordered history, appends the new
// user turn and returns the generated reply. No retry is attempted: at this
// bot's scale a failed call is surfaced to the user rather than queued.
func (g *Gateway) Complete(ctx context.Context, history []store.Turn, turn openai.ChatCompletionMessage) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.systemPrompt,
	})
	for _, t := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: t.Role, Content: t.Content})
	}
	messages = append(messages, turn)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: completionTemperature,
	})
	if err != nil {
		return "", &CompletionError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &CompletionError{Err: fmt.Errorf("model returned no choices")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Transcribe converts speech audio to text. When the API rejects the original
// codec with a format-related error, the audio is converted once and the
// transcription retried exactly once; a second failure is terminal.
func (g *Gateway) Transcribe(ctx context.Context, audioPath string) (string, error) {
	text, err := g.transcribeFile(ctx, audioPath)
	if err == nil {
		return text, nil
	}
	if !isFormatError(err) {
		return "", &TranscriptionError{Err: err}
	}
	if g.converter == nil {
		return "", &TranscriptionError{Err: err}
	}

	logger.L.Info("transcription rejected audio format, converting", "path", audioPath)
	converted, convErr := g.converter.Convert(ctx, audioPath)
	if convErr != nil {
		return "", &TranscriptionError{Err: convErr}
	}
	defer os.Remove(converted)

	text, err = g.transcribeFile(ctx, converted)
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	return text, nil
}

func (g *Gateway) transcribeFile(ctx context.Context, path string) (string, error) {
	resp, err := g.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: path,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// isFormatError matches the error signatures the transcription API uses for
// rejected codecs and containers.
func isFormatError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"format", "unsupported", "file type", "ogg"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > errorDisplayLimit {
		return msg[:errorDisplayLimit]
	}
	return msg
}
