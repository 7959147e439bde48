package openrouter

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
	"agentspace/internal/provider/openaicompat"
)

func newProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := openaicompat.New("qwen", openaicompat.Config{APIKey: "or-test", BaseURL: srv.URL}, srv.Client(), srv.Client())
	require.NoError(t, err)

	p, err := New("qwen", DefaultModels["qwen"], client)
	require.NoError(t, err)
	return p
}

func TestOneShot_SendsStrictSchemaAndDropsSources(t *testing.T) {
	var body struct {
		Model          string                     `json:"model"`
		Messages       []openaicompat.Message     `json:"messages"`
		ResponseFormat map[string]json.RawMessage `json:"response_format"`
	}
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"{\"answer\":\"42\",\"sources\":[{\"url\":\"https://x\"}]}"}}]}`)
	})

	history := []models.Message{{Role: models.RoleUser, Content: "what is the answer?"}}
	out, err := p.OneShot(context.Background(), "what is the answer?", history)
	require.NoError(t, err)

	assert.Equal(t, "qwen/qwen3-4b:free", body.Model)
	assert.Len(t, body.Messages, 1)

	var schema struct {
		Name   string `json:"name"`
		Strict bool   `json:"strict"`
	}
	require.NoError(t, json.Unmarshal(body.ResponseFormat["json_schema"], &schema))
	assert.Equal(t, SchemaName, schema.Name)
	assert.True(t, schema.Strict)

	assert.Equal(t, "42", out.Answer)
	assert.Nil(t, out.Sources)
}

func TestStream_YieldsDeltasAndUsage(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": OPENROUTER PROCESSING\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"4\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"2\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var events []models.TokenEvent
	for ev := range p.Stream(context.Background(), "answer?", nil) {
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "4", events[0].Text)
	assert.Equal(t, "2", events[1].Text)
	assert.Equal(t, models.KindUsage, events[2].Kind)
}

func TestStream_StopsWhenConsumerBreaks(t *testing.T) {
	p := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"t%d\"}}]}\n\n", i)
		}
	})

	var got []string
	for ev := range p.Stream(context.Background(), "go", nil) {
		got = append(got, ev.Text)
		if len(got) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"t0", "t1"}, got)
}

func TestExplanationNamesModel(t *testing.T) {
	p, err := New("deepseek", DefaultModels["deepseek"], nil)
	require.NoError(t, err)
	assert.Equal(t, "Response generated by deepseek/deepseek-r1-0528:free via OpenRouter", p.Explanation())

	_, err = New("", "model", nil)
	assert.Error(t, err)
}
