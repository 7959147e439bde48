package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/translator"
)

type fakeBackend struct {
	response *genai.GenerateContentResponse
	err      error
	chunks   []string
	usage    []*genai.UsageMetadata
	chunkErr error

	gotModel      string
	gotStructured bool
	gotHistory    []*genai.Content
	gotTurn       *genai.Content
}

func (f *fakeBackend) Generate(_ context.Context, model string, structured bool, history []*genai.Content, turn *genai.Content) (*genai.GenerateContentResponse, error) {
	f.gotModel, f.gotStructured, f.gotHistory, f.gotTurn = model, structured, history, turn
	return f.response, f.err
}

func (f *fakeBackend) GenerateStream(_ context.Context, model string, history []*genai.Content, turn *genai.Content) responseIterator {
	f.gotModel, f.gotHistory, f.gotTurn = model, history, turn
	return &fakeIterator{chunks: f.chunks, usage: f.usage, err: f.chunkErr}
}

func (f *fakeBackend) Close() error { return nil }

// fakeIterator attaches usage[i] to chunk i when usage is set, otherwise fixed
// counters on the last chunk only.
type fakeIterator struct {
	chunks []string
	usage  []*genai.UsageMetadata
	err    error
	next   int
}

func (it *fakeIterator) Next() (*genai.GenerateContentResponse, error) {
	if it.next >= len(it.chunks) {
		if it.err != nil {
			return nil, it.err
		}
		return nil, iterator.Done
	}
	text := it.chunks[it.next]
	it.next++

	resp := textResponse(text)
	if it.usage != nil {
		resp.UsageMetadata = it.usage[it.next-1]
	} else if it.next == len(it.chunks) {
		resp.UsageMetadata = &genai.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 4, TotalTokenCount: 7}
	}
	return resp, nil
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(text)}},
		}},
	}
}

func collect(seq func(func(models.TokenEvent) bool)) []models.TokenEvent {
	var events []models.TokenEvent
	for ev := range seq {
		events = append(events, ev)
	}
	return events
}

func TestOneShot_RenamesRolesAndParses(t *testing.T) {
	fb := &fakeBackend{response: textResponse(`{"answer":"Blue","explanation":"Rayleigh scattering"}`)}
	p := newProvider(fb, Config{})

	hist := []models.Message{
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: "hello"},
	}
	out, err := p.OneShot(context.Background(), "why is the sky blue?", hist)
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, fb.gotModel)
	assert.True(t, fb.gotStructured)
	require.Len(t, fb.gotHistory, 2)
	assert.Equal(t, "user", fb.gotHistory[0].Role)
	assert.Equal(t, "model", fb.gotHistory[1].Role)
	assert.Equal(t, "user", fb.gotTurn.Role)
	assert.Equal(t, []genai.Part{genai.Text("why is the sky blue?")}, fb.gotTurn.Parts)

	assert.Equal(t, "Blue", out.Answer)
	assert.Equal(t, "Rayleigh scattering", out.Explanation)
}

func TestOneShot_NonJSONFallsBack(t *testing.T) {
	p := newProvider(&fakeBackend{response: textResponse("just text")}, Config{})

	out, err := p.OneShot(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Equal(t, "just text", out.Answer)
	require.NotEmpty(t, out.NerdStats)
	assert.Equal(t, translator.ParseErrorKey, out.NerdStats[0].Key)
}

func TestOneShot_MissingCredential(t *testing.T) {
	p, err := New(context.Background(), Config{})
	require.NoError(t, err)

	_, err = p.OneShot(context.Background(), "q", nil)
	var missing *provider.MissingCredentialError
	require.ErrorAs(t, err, &missing)

	events := collect(p.Stream(context.Background(), "q", nil))
	require.Len(t, events, 1)
	assert.Equal(t, models.KindError, events[0].Kind)
}

func TestOneShot_ClassifiesErrors(t *testing.T) {
	p := newProvider(&fakeBackend{err: &googleapi.Error{Code: http.StatusForbidden, Message: "API key not valid"}}, Config{})
	_, err := p.OneShot(context.Background(), "q", nil)
	var callErr *provider.UpstreamCallFailedError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusForbidden, callErr.Status)
	assert.Equal(t, "API key not valid", callErr.Body)

	p = newProvider(&fakeBackend{err: status.Error(codes.ResourceExhausted, "quota")}, Config{})
	_, err = p.OneShot(context.Background(), "q", nil)
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusTooManyRequests, callErr.Status)

	p = newProvider(&fakeBackend{err: status.Error(codes.DeadlineExceeded, "slow")}, Config{})
	_, err = p.OneShot(context.Background(), "q", nil)
	assert.True(t, provider.IsTimeout(err))

	p = newProvider(&fakeBackend{err: context.DeadlineExceeded}, Config{})
	_, err = p.OneShot(context.Background(), "q", nil)
	assert.True(t, provider.IsTimeout(err))
}

func TestStream_CumulativeChunksBecomeDeltas(t *testing.T) {
	fb := &fakeBackend{chunks: []string{"Hi", "Hi there", "Hi there!"}}
	p := newProvider(fb, Config{EmissionMode: provider.EmitCumulative, StreamModel: "gemini-stream"})

	events := collect(p.Stream(context.Background(), "greet me", nil))

	require.Len(t, events, 4)
	assert.Equal(t, "gemini-stream", fb.gotModel)
	assert.Equal(t, models.TokenText("Hi"), events[0])
	assert.Equal(t, models.TokenText(" there"), events[1])
	assert.Equal(t, models.TokenText("!"), events[2])
	assert.Equal(t, models.KindUsage, events[3].Kind)
	assert.JSONEq(t, `{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}`, string(events[3].Usage))
}

func TestStream_DeltaChunksPassThrough(t *testing.T) {
	p := newProvider(&fakeBackend{chunks: []string{"Hel", "lo"}}, Config{})

	events := collect(p.Stream(context.Background(), "greet me", nil))

	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
}

func TestStream_MidStreamErrorEndsSequence(t *testing.T) {
	p := newProvider(&fakeBackend{chunks: []string{"partial"}, chunkErr: errors.New("connection reset")}, Config{})

	events := collect(p.Stream(context.Background(), "q", nil))

	require.Len(t, events, 2)
	assert.Equal(t, "partial", events[0].Text)
	assert.Equal(t, models.KindError, events[1].Kind)
	assert.Contains(t, events[1].Message, "connection reset")
}

func TestStream_UsageInterleavedInArrivalOrder(t *testing.T) {
	first := &genai.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 1, TotalTokenCount: 4}
	second := &genai.UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2, TotalTokenCount: 5}
	fb := &fakeBackend{
		chunks:   []string{"a", "b", "c"},
		usage:    []*genai.UsageMetadata{first, first, second},
		chunkErr: status.Error(codes.DeadlineExceeded, "slow"),
	}
	p := newProvider(fb, Config{})

	events := collect(p.Stream(context.Background(), "q", nil))

	var kinds []models.TokenKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []models.TokenKind{
		models.KindToken, models.KindUsage,
		models.KindToken,
		models.KindToken, models.KindUsage,
		models.KindError,
	}, kinds)
	assert.JSONEq(t, `{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}`, string(events[1].Usage))
	assert.JSONEq(t, `{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}`, string(events[4].Usage))
	assert.Contains(t, events[5].Message, "timed out")
}

func TestNewProvider_OneShotBudgetMatchesReadCap(t *testing.T) {
	p := newProvider(&fakeBackend{}, Config{})
	assert.Equal(t, 60*time.Second, p.oneShotTimeout)
}
