package perplexity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/provider/openaicompat"
	"agentspace/internal/translator"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := openaicompat.New(Name, openaicompat.Config{APIKey: "pplx-test", BaseURL: srv.URL}, srv.Client(), srv.Client())
	require.NoError(t, err)
	return New(client, "")
}

func completion(content string, extra string) string {
	encoded, _ := json.Marshal(content)
	return fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%s}}]%s}`, encoded, extra)
}

func TestOneShot_ParsesStructuredAnswer(t *testing.T) {
	var body map[string]any
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, completion(`{"answer":"Paris","facts":["capital"]}`,
			`,"usage":{"total_tokens":12},"search_results":[{"url":"https://fr.example","title":"France"},{"title":"no url"}]`))
	})

	out, err := p.OneShot(context.Background(), "capital of France?", nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, body["model"])
	format := body["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", format["type"])

	assert.Equal(t, "Paris", out.Answer)
	assert.Equal(t, []string{"capital"}, out.Facts)
	assert.Equal(t, []models.Source{{URL: "https://fr.example", Title: "France"}}, out.Sources)
	assert.Equal(t, []models.KeyValuePair{{Key: "total_tokens", Value: "12"}}, out.NerdStats)
}

func TestOneShot_PlainTextFallsBack(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, completion("Paris is the capital.", ""))
	})

	out, err := p.OneShot(context.Background(), "capital of France?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Paris is the capital.", out.Answer)
	require.Len(t, out.NerdStats, 1)
	assert.Equal(t, translator.ParseErrorKey, out.NerdStats[0].Key)
}

func TestOneShot_UpstreamFailure(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"invalid key"}`)
	})

	_, err := p.OneShot(context.Background(), "hi", nil)

	var callErr *provider.UpstreamCallFailedError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, Name, callErr.Provider)
	assert.Equal(t, http.StatusUnauthorized, callErr.Status)
}

func TestStream_ForwardsTokensSourcesAndUsage(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, event := range []string{
			`{"choices":[{"delta":{"content":"Par"}}]}`,
			`{"choices":[{"delta":{"content":"is"}}],"search_results":[{"url":"https://fr.example"}]}`,
			`{"choices":[{"delta":{}}],"usage":{"total_tokens":9}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", event)
		}
	})

	var events []models.TokenEvent
	for ev := range p.Stream(context.Background(), "capital?", nil) {
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, models.TokenText("Par"), events[0])
	assert.Equal(t, models.TokenText("is"), events[1])
	assert.Equal(t, models.KindSources, events[2].Kind)
	assert.JSONEq(t, `[{"url":"https://fr.example"}]`, string(events[2].Sources))
	assert.Equal(t, models.KindUsage, events[3].Kind)
}

func TestStream_NonSuccessStatusYieldsSingleError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	var events []models.TokenEvent
	for ev := range p.Stream(context.Background(), "hi", nil) {
		events = append(events, ev)
	}

	require.Len(t, events, 1)
	assert.Equal(t, models.KindError, events[0].Kind)
	assert.Contains(t, events[0].Message, "503")
}

func TestStream_DroppedConnectionAfterTokenYieldsSingleError(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Bon\"}}]}\n\n")
		w.(http.Flusher).Flush()

		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			return
		}
		_ = conn.Close()
	})

	var events []models.TokenEvent
	for ev := range p.Stream(context.Background(), "hi", nil) {
		events = append(events, ev)
	}

	require.Len(t, events, 2)
	assert.Equal(t, models.TokenText("Bon"), events[0])
	assert.Equal(t, models.KindError, events[1].Kind)
	assert.Contains(t, events[1].Message, "perplexity")
}
