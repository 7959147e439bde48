package router

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/stream"
)

type recordingAdapter struct {
	name        string
	err         error
	gotHistory  []models.Message
	streamCalls int
}

func (a *recordingAdapter) Name() string { return a.name }

func (a *recordingAdapter) OneShot(_ context.Context, message string, history []models.Message) (*models.StructuredOutput, error) {
	a.gotHistory = history
	if a.err != nil {
		return nil, a.err
	}
	return &models.StructuredOutput{Answer: "re: " + message}, nil
}

func (a *recordingAdapter) Stream(_ context.Context, message string, history []models.Message) iter.Seq[models.TokenEvent] {
	a.gotHistory = history
	a.streamCalls++
	return func(yield func(models.TokenEvent) bool) {
		yield(models.TokenText(message))
	}
}

type bufferSink struct{ bytes.Buffer }

func (s *bufferSink) Write(frame []byte) error {
	_, err := s.Buffer.Write(frame)
	return err
}

func (s *bufferSink) Disconnected() bool { return false }

func newRouter(t *testing.T, adapters ...provider.Adapter) *Router {
	t.Helper()
	reg, err := provider.NewRegistry(adapters...)
	require.NoError(t, err)
	return New(reg, 4, nil)
}

var conversation = []models.Message{
	{Role: models.RoleUser, Content: "hi"},
	{Role: models.RoleAssistant, Content: "hello"},
}

func TestChat_ModeControlsForwardedHistory(t *testing.T) {
	adapter := &recordingAdapter{name: "gemini"}
	rt := newRouter(t, adapter)

	out, err := rt.Chat(context.Background(), "gemini", models.ChatRequest{Message: "q", History: conversation, Mode: models.ModeOneLiner})
	require.NoError(t, err)
	assert.Equal(t, "re: q", out.Answer)
	assert.Nil(t, adapter.gotHistory)

	_, err = rt.Chat(context.Background(), "gemini", models.ChatRequest{Message: "q", History: conversation, Mode: models.ModeConversation})
	require.NoError(t, err)
	assert.Equal(t, conversation, adapter.gotHistory)
}

func TestChat_Errors(t *testing.T) {
	upstream := &provider.UpstreamCallFailedError{Provider: "qwen", Status: 502, Body: "bad gateway"}
	rt := newRouter(t, &recordingAdapter{name: "qwen", err: upstream})

	_, err := rt.Chat(context.Background(), "missing", models.ChatRequest{Message: "q"})
	assert.ErrorIs(t, err, provider.ErrUnknownProvider)

	_, err = rt.Chat(context.Background(), "qwen", models.ChatRequest{Message: "q"})
	var callErr *provider.UpstreamCallFailedError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, 502, callErr.Status)
}

func TestStream_UsesPerProviderController(t *testing.T) {
	adapter := &recordingAdapter{name: "perplexity"}
	rt := newRouter(t, adapter)

	_, err := rt.Controller("nope")
	require.True(t, errors.Is(err, provider.ErrUnknownProvider))

	controller, err := rt.Controller("perplexity")
	require.NoError(t, err)

	sink := &bufferSink{}
	res := rt.Stream(context.Background(), controller, models.ChatRequest{Message: "tok", History: conversation, Mode: models.ModeConversation}, sink)

	assert.Equal(t, stream.StateDone, res.State)
	assert.Equal(t, 3, res.Frames)
	assert.Equal(t, conversation, adapter.gotHistory)
	assert.Contains(t, sink.String(), "event: done\ndata: [DONE]\n\n")
}

func TestMultiAgent_DelegatesToOrchestrator(t *testing.T) {
	rt := newRouter(t, &recordingAdapter{name: "a"}, &recordingAdapter{name: "b", err: errors.New("down")})

	results := rt.MultiAgent(context.Background(), "ping", []string{"a", "b"})

	require.Len(t, results, 2)
	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, []string{"a", "b"}, rt.Providers())
}
