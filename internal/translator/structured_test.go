package translator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentspace/internal/models"
)

func TestParseStructured_ValidJSON(t *testing.T) {
	out := ParseStructured(`{"answer":"42","facts":["a","b"],"sources":[{"url":"http://a","title":"A"},{"url":""}]}`)

	assert.Equal(t, "42", out.Answer)
	assert.Equal(t, []string{"a", "b"}, out.Facts)
	assert.Equal(t, []models.Source{{URL: "http://a", Title: "A"}}, out.Sources)
	assert.Empty(t, out.NerdStats)
}

func TestParseStructured_FencedJSON(t *testing.T) {
	out := ParseStructured("```json\n{\"answer\":\"fenced\"}\n```")
	assert.Equal(t, "fenced", out.Answer)
}

func TestParseStructured_RepairsLooseJSON(t *testing.T) {
	out := ParseStructured(`{answer: 'repaired', language: 'go'}`)
	assert.Equal(t, "repaired", out.Answer)
	assert.Equal(t, "go", out.Language)
}

func TestParseStructured_PlainTextFallsBack(t *testing.T) {
	raw := "Just a plain sentence, no JSON here."
	out := ParseStructured(raw)

	assert.Equal(t, raw, out.Answer)
	require.Len(t, out.NerdStats, 1)
	assert.Equal(t, ParseErrorKey, out.NerdStats[0].Key)
	assert.NotEmpty(t, out.NerdStats[0].Value)
}

func TestParseStructured_MissingAnswerFallsBack(t *testing.T) {
	raw := `{"explanation":"no answer"}`
	out := ParseStructured(raw)

	assert.Equal(t, raw, out.Answer)
	require.Len(t, out.NerdStats, 1)
	assert.Equal(t, ParseErrorKey, out.NerdStats[0].Key)
}

func TestParseStructured_EmptyText(t *testing.T) {
	out := ParseStructured("")
	assert.Equal(t, "", out.Answer)
	require.Len(t, out.NerdStats, 1)
}

func TestNormalizeSources_DropsEntriesWithoutURL(t *testing.T) {
	sources, err := NormalizeSources(json.RawMessage(`[{"url":"http://a"},{"title":"no url"}]`))
	require.NoError(t, err)
	assert.Equal(t, []models.Source{{URL: "http://a"}}, sources)
}

func TestNormalizeSources_AcceptsBareURLs(t *testing.T) {
	sources, err := NormalizeSources(json.RawMessage(`["http://a", "", 5, {"url": 3}]`))
	require.NoError(t, err)
	assert.Equal(t, []models.Source{{URL: "http://a"}}, sources)
}

func TestNormalizeSources_NullAndEmpty(t *testing.T) {
	sources, err := NormalizeSources(json.RawMessage(`null`))
	require.NoError(t, err)
	assert.Nil(t, sources)

	sources, err = NormalizeSources(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Nil(t, sources)
}

func TestNormalizeSources_RejectsNonArray(t *testing.T) {
	_, err := NormalizeSources(json.RawMessage(`{"url":"http://a"}`))
	require.Error(t, err)
}

func TestUsagePairs_SortedFlatten(t *testing.T) {
	pairs := UsagePairs(json.RawMessage(`{"total_tokens":12,"prompt_tokens":5,"model":"sonar"}`))
	assert.Equal(t, []models.KeyValuePair{
		{Key: "model", Value: "sonar"},
		{Key: "prompt_tokens", Value: "5"},
		{Key: "total_tokens", Value: "12"},
	}, pairs)
}

func TestExtraPairs(t *testing.T) {
	pairs := ExtraPairs("boom", json.RawMessage(`{"total_tokens":1}`))
	assert.Equal(t, []models.KeyValuePair{
		{Key: "error", Value: "boom"},
		{Key: "total_tokens", Value: "1"},
	}, pairs)

	assert.Empty(t, ExtraPairs("", nil))
}

func TestStructuredOutputSchema_Strict(t *testing.T) {
	schema := StructuredOutputSchema(true)
	assert.Equal(t, false, schema["additionalProperties"])
	assert.Equal(t, []string{"answer"}, schema["required"])

	loose := StructuredOutputSchema(false)
	_, has := loose["additionalProperties"]
	assert.False(t, has)
}
