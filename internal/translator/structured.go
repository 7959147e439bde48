package translator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"agentspace/internal/models"
)

// ParseErrorKey is the nerd-stat key recording why provider text was not valid structured JSON.
const ParseErrorKey = "parse_error"

var errMissingAnswer = errors.New("structured output is missing the answer field")

// ParseStructured decodes provider text into a StructuredOutput. Text that cannot be
// decoded, even after JSON repair, becomes the answer verbatim and the decode error is
// recorded as a parse_error nerd-stat. It never fails.
func ParseStructured(text string) models.StructuredOutput {
	out, err := decodeStructured(text)
	if err == nil {
		return out
	}
	return models.StructuredOutput{
		Answer:    text,
		NerdStats: []models.KeyValuePair{{Key: ParseErrorKey, Value: err.Error()}},
	}
}

type structuredWire struct {
	Answer      *string               `json:"answer"`
	Explanation string                `json:"explanation"`
	Sources     []models.Source       `json:"sources"`
	Facts       []string              `json:"facts"`
	Code        string                `json:"code"`
	Language    string                `json:"language"`
	Actions     []models.Action       `json:"actions"`
	NerdStats   []models.KeyValuePair `json:"nerd_stats"`
}

func decodeStructured(text string) (models.StructuredOutput, error) {
	trimmed := stripCodeFence(text)
	if trimmed == "" {
		return models.StructuredOutput{}, errors.New("empty provider content")
	}

	var wire structuredWire
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(trimmed)
		if repairErr != nil {
			return models.StructuredOutput{}, fmt.Errorf("decode structured output: %w", err)
		}
		wire = structuredWire{}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return models.StructuredOutput{}, fmt.Errorf("decode repaired structured output: %w", err)
		}
	}
	if wire.Answer == nil {
		return models.StructuredOutput{}, errMissingAnswer
	}

	sources := make([]models.Source, 0, len(wire.Sources))
	for _, src := range wire.Sources {
		if strings.TrimSpace(src.URL) != "" {
			sources = append(sources, src)
		}
	}

	return models.StructuredOutput{
		Answer:      *wire.Answer,
		Explanation: wire.Explanation,
		Sources:     nilIfEmpty(sources),
		Facts:       wire.Facts,
		Code:        wire.Code,
		Language:    wire.Language,
		Actions:     wire.Actions,
		NerdStats:   wire.NerdStats,
	}, nil
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "```") && strings.HasSuffix(trimmed, "```") && len(trimmed) >= 6 {
		trimmed = strings.TrimSpace(trimmed[3 : len(trimmed)-3])
		if strings.HasPrefix(strings.ToLower(trimmed), "json") {
			trimmed = strings.TrimSpace(trimmed[4:])
		}
	}
	return trimmed
}

// NormalizeSources converts a provider's raw citation list into Sources. Entries may be
// objects carrying url/title or bare URL strings; entries without a URL are skipped. A
// payload that is not a JSON array is an error.
func NormalizeSources(raw json.RawMessage) ([]models.Source, error) {
	if !Present(raw) {
		return nil, nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("sources must be a JSON array: %w", err)
	}

	sources := make([]models.Source, 0, len(entries))
	for _, entry := range entries {
		var url string
		if err := json.Unmarshal(entry, &url); err == nil {
			if strings.TrimSpace(url) != "" {
				sources = append(sources, models.Source{URL: url})
			}
			continue
		}

		var obj struct {
			URL   any `json:"url"`
			Title any `json:"title"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			continue
		}
		url, ok := obj.URL.(string)
		if !ok || strings.TrimSpace(url) == "" {
			continue
		}
		title, _ := obj.Title.(string)
		sources = append(sources, models.Source{URL: url, Title: title})
	}
	return nilIfEmpty(sources), nil
}

// UsagePairs flattens provider usage counters into key/value pairs sorted by key.
// Non-object payloads are recorded under a single "usage" key.
func UsagePairs(raw json.RawMessage) []models.KeyValuePair {
	if !Present(raw) {
		return nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return []models.KeyValuePair{{Key: "usage", Value: string(bytes.TrimSpace(raw))}}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]models.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, models.KeyValuePair{Key: k, Value: scalarString(fields[k])})
	}
	return nilIfEmpty(pairs)
}

// ExtraPairs combines an optional error text and usage counters into nerd-stats.
func ExtraPairs(errText string, usage json.RawMessage) []models.KeyValuePair {
	var pairs []models.KeyValuePair
	if errText != "" {
		pairs = append(pairs, models.KeyValuePair{Key: "error", Value: errText})
	}
	pairs = append(pairs, UsagePairs(usage)...)
	return pairs
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// Present reports whether raw holds a JSON value other than null.
func Present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func nilIfEmpty[T any](items []T) []T {
	if len(items) == 0 {
		return nil
	}
	return items
}
