package router

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/avolkov/lifebot/internal/config"
	"github.com/avolkov/lifebot/internal/gateway"
	"github.com/avolkov/lifebot/internal/store"
)

type mockClient struct {
	chatRequests  []openai.ChatCompletionRequest
	chatReply     string
	chatErr       error
	audioRequests []openai.AudioRequest
	audioText     string
	audioErrs     []error
}

func (m *mockClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.chatRequests = append(m.chatRequests, req)
	if m.chatErr != nil {
		return openai.ChatCompletionResponse{}, m.chatErr
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.chatReply}},
		},
	}, nil
}

func (m *mockClient) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	m.audioRequests = append(m.audioRequests, req)
	if len(m.audioErrs) > 0 {
		err := m.audioErrs[0]
		m.audioErrs = m.audioErrs[1:]
		if err != nil {
			return openai.AudioResponse{}, err
		}
	}
	return openai.AudioResponse{Text: m.audioText}, nil
}

type countingConverter struct {
	calls int
	fail  bool
}

func (c *countingConverter) Convert(ctx context.Context, inputPath string) (string, error) {
	c.calls++
	if c.fail {
		return "", errors.New("conversion failed")
	}
	path := filepath.Join(os.TempDir(), "converted-test.mp3")
	if err := os.WriteFile(path, []byte("mp3"), 0o600); err != nil {
		return "", err
	}
	return path, nil
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, fileID string) ([]byte, error) {
	return f.data, f.err
}

func newTestRouter(t *testing.T, client *mockClient, conv gateway.Converter, fetcher FileFetcher) (*Router, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	gw := gateway.New(client, config.OpenAIConfig{Model: "gpt-4o"}, conv)
	return New(st, gw, fetcher), st
}

func TestHandle_TextEndToEnd(t *testing.T) {
	client := &mockClient{chatReply: "Hi!"}
	r, st := newTestRouter(t, client, nil, nil)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventText, UserID: 1, Text: "Hello"})
	require.Equal(t, "Hi!", reply)

	// The gateway saw an empty history plus the new turn.
	require.Len(t, client.chatRequests, 1)
	messages := client.chatRequests[0].Messages
	require.Len(t, messages, 2) // system + new turn
	require.Equal(t, openai.ChatMessageRoleSystem, messages[0].Role)
	require.Equal(t, "Hello", messages[1].Content)

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Equal(t, []store.Turn{
		{Role: "user", Content: "Hello"},
		{Role: "assistant", Content: "Hi!"},
	}, turns)
}

func TestHandle_TextCarriesHistory(t *testing.T) {
	client := &mockClient{chatReply: "Fine!"}
	r, st := newTestRouter(t, client, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, 1, "user", "Hello"))
	require.NoError(t, st.Append(ctx, 1, "assistant", "Hi!"))

	r.Handle(ctx, Event{Kind: EventText, UserID: 1, Text: "How are you?"})

	messages := client.chatRequests[0].Messages
	require.Len(t, messages, 4) // system + 2 history + new turn
	require.Equal(t, "Hello", messages[1].Content)
	require.Equal(t, "Hi!", messages[2].Content)
	require.Equal(t, "How are you?", messages[3].Content)
}

func TestHandle_CompletionFailureLeavesUserTurn(t *testing.T) {
	client := &mockClient{chatErr: errors.New("rate limit exceeded")}
	r, st := newTestRouter(t, client, nil, nil)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventText, UserID: 1, Text: "Hello"})
	require.Contains(t, reply, "rate limit exceeded")
	require.LessOrEqual(t, len(reply), replyErrorLimit)

	// The user turn is persisted; no placeholder assistant turn is.
	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Equal(t, []store.Turn{{Role: "user", Content: "Hello"}}, turns)
}

func TestHandle_Photo(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	client := &mockClient{chatReply: "A nice plate of food."}
	fetcher := &fakeFetcher{data: []byte{0xff, 0xd8, 0xff}}
	r, st := newTestRouter(t, client, nil, fetcher)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventPhoto, UserID: 1, FileID: "f1", Caption: "my lunch"})
	require.Equal(t, "A nice plate of food.", reply)

	messages := client.chatRequests[0].Messages
	newTurn := messages[len(messages)-1]
	require.Len(t, newTurn.MultiContent, 2)
	require.Equal(t, "my lunch", newTurn.MultiContent[0].Text)
	require.Contains(t, newTurn.MultiContent[1].ImageURL.URL, "data:image/jpeg;base64,")

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Equal(t, "[Image]: my lunch", turns[0].Content)

	// The staged temp file is gone after the request.
	requireEmptyDir(t, os.TempDir())
}

func TestHandle_PhotoDefaultCaption(t *testing.T) {
	client := &mockClient{chatReply: "ok"}
	fetcher := &fakeFetcher{data: []byte{0xff}}
	r, _ := newTestRouter(t, client, nil, fetcher)

	r.Handle(context.Background(), Event{Kind: EventPhoto, UserID: 1, FileID: "f1"})
	messages := client.chatRequests[0].Messages
	newTurn := messages[len(messages)-1]
	require.Equal(t, defaultImageCaption, newTurn.MultiContent[0].Text)
}

func TestHandle_DocumentTxt(t *testing.T) {
	client := &mockClient{chatReply: "Summarized."}
	fetcher := &fakeFetcher{data: []byte("meal plan for the week")}
	r, st := newTestRouter(t, client, nil, fetcher)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventDocument, UserID: 1, FileID: "f1", FileName: "plan.txt", Caption: "summarize"})
	require.Equal(t, "Summarized.", reply)

	messages := client.chatRequests[0].Messages
	newTurn := messages[len(messages)-1]
	require.Contains(t, newTurn.Content, "summarize")
	require.Contains(t, newTurn.Content, "meal plan for the week")

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Equal(t, "[Document]: summarize", turns[0].Content)
}

func TestHandle_UnsupportedFileSkipsGateway(t *testing.T) {
	client := &mockClient{}
	fetcher := &fakeFetcher{data: []byte("binary")}
	r, st := newTestRouter(t, client, nil, fetcher)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventDocument, UserID: 1, FileID: "f1", FileName: "archive.zip"})
	require.Equal(t, unsupportedFileReply, reply)
	require.Empty(t, client.chatRequests)

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestHandle_VoiceTranscriptionFailureIsTerminal(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	client := &mockClient{
		audioErrs: []error{errors.New("unsupported file type"), errors.New("still broken")},
	}
	conv := &countingConverter{}
	fetcher := &fakeFetcher{data: []byte("ogg audio")}
	r, st := newTestRouter(t, client, conv, fetcher)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventVoice, UserID: 1, FileID: "v1"})
	require.Contains(t, reply, "transcription failed")
	// Exactly one transcoding attempt and one retried transcription.
	require.Equal(t, 1, conv.calls)
	require.Len(t, client.audioRequests, 2)
	require.Empty(t, client.chatRequests)

	// No turn of either role is persisted.
	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Empty(t, turns)

	// All temp artifacts are gone, success or not.
	requireEmptyDir(t, os.TempDir())
}

func TestHandle_VoiceSuccess(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())
	client := &mockClient{audioText: "I walked ten thousand steps", chatReply: "Great job!"}
	fetcher := &fakeFetcher{data: []byte("ogg audio")}
	r, st := newTestRouter(t, client, nil, fetcher)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventVoice, UserID: 1, FileID: "v1"})
	require.Equal(t, "Great job!", reply)

	messages := client.chatRequests[0].Messages
	newTurn := messages[len(messages)-1]
	require.Contains(t, newTurn.Content, "I walked ten thousand steps")

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Equal(t, "[Voice message]", turns[0].Content)
	require.Equal(t, "Great job!", turns[1].Content)

	requireEmptyDir(t, os.TempDir())
}

func TestHandle_StartCreatesProfile(t *testing.T) {
	r, st := newTestRouter(t, &mockClient{}, nil, nil)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventStart, UserID: 9, FirstName: "Anna"})
	require.Contains(t, reply, "Anna")

	profile, err := st.Profile(ctx, 9)
	require.NoError(t, err)
	require.NotNil(t, profile)

	// A second /start does not fail on the existing profile.
	reply = r.Handle(ctx, Event{Kind: EventStart, UserID: 9, FirstName: "Anna"})
	require.Contains(t, reply, "Anna")
}

func TestHandle_ResetClearsHistory(t *testing.T) {
	r, st := newTestRouter(t, &mockClient{}, nil, nil)
	ctx := context.Background()

	require.NoError(t, st.Append(ctx, 1, "user", "Hello"))
	reply := r.Handle(ctx, Event{Kind: EventReset, UserID: 1})
	require.Contains(t, reply, "cleared")

	turns, err := st.Recent(ctx, 1, 20)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestHandle_ProfileCommand(t *testing.T) {
	r, st := newTestRouter(t, &mockClient{}, nil, nil)
	ctx := context.Background()

	reply := r.Handle(ctx, Event{Kind: EventProfile, UserID: 1, Text: "height=182 weight=76.5 diet=low-sugar"})
	require.Equal(t, "Profile updated.", reply)

	profile, err := st.Profile(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 182.0, *profile.Height)
	require.Equal(t, 76.5, *profile.Weight)
	require.Equal(t, "low-sugar", profile.Preferences["diet"])

	reply = r.Handle(ctx, Event{Kind: EventProfile, UserID: 1, Text: ""})
	require.Contains(t, reply, "Usage")
}

func TestTruncateReply_RuneBoundary(t *testing.T) {
	// A leading ASCII byte shifts the two-byte runes so the byte limit
	// falls mid-rune.
	long := "a" + strings.Repeat("я", replyErrorLimit)
	out := truncateReply(long)
	require.LessOrEqual(t, len(out), replyErrorLimit)
	require.True(t, utf8.ValidString(out))

	short := "все хорошо"
	require.Equal(t, short, truncateReply(short))
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "temp files left behind")
}
