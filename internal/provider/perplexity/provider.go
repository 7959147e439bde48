// Package perplexity adapts the Perplexity search-augmented chat API.
package perplexity

import (
	"context"
	"encoding/json"
	"iter"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/provider/openaicompat"
	"agentspace/internal/translator"
)

const (
	// Name is the registry key of the Perplexity adapter.
	Name = "perplexity"

	DefaultBaseURL = "https://api.perplexity.ai"
	DefaultModel   = "sonar"
)

// Provider calls Perplexity through its OpenAI-compatible endpoint.
type Provider struct {
	client *openaicompat.Client
	model  string
}

// New creates the adapter on top of an OpenAI-compatible client.
func New(client *openaicompat.Client, model string) *Provider {
	if model == "" {
		model = DefaultModel
	}
	return &Provider{client: client, model: model}
}

func (p *Provider) Name() string { return Name }

// OneShot asks for schema-constrained JSON. Search results returned alongside the answer
// fill Sources when the model did not cite any itself; usage counters become nerd-stats.
func (p *Provider) OneShot(ctx context.Context, message string, history []models.Message) (*models.StructuredOutput, error) {
	resp, err := p.client.Complete(ctx, openaicompat.ChatRequest{
		Model:          p.model,
		Messages:       openaicompat.BuildMessages(message, history),
		ResponseFormat: translator.JSONSchemaResponseFormat("", false),
	})
	if err != nil {
		return nil, err
	}

	content, ok := resp.Content()
	if !ok {
		return &models.StructuredOutput{
			NerdStats: []models.KeyValuePair{{Key: translator.ParseErrorKey, Value: "response contained no choices"}},
		}, nil
	}

	out := translator.ParseStructured(content)
	if len(out.Sources) == 0 {
		out.Sources = responseSources(resp.SearchResults, resp.Citations)
	}
	out.NerdStats = append(out.NerdStats, translator.UsagePairs(resp.Usage)...)
	return &out, nil
}

// Stream requests plain-text deltas. Search results and usage counters are forwarded as
// soon as a chunk carries them.
func (p *Provider) Stream(ctx context.Context, message string, history []models.Message) iter.Seq[models.TokenEvent] {
	return func(yield func(models.TokenEvent) bool) {
		req := openaicompat.ChatRequest{
			Model:    p.model,
			Messages: openaicompat.BuildMessages(message, history),
		}

		for chunk, err := range p.client.Stream(ctx, req) {
			if err != nil {
				yield(models.TokenError(err.Error()))
				return
			}

			if delta := chunk.DeltaContent(); delta != "" {
				if !yield(models.TokenText(delta)) {
					return
				}
			}
			if raw := chunkSources(chunk); raw != nil {
				if !yield(models.TokenSources(raw)) {
					return
				}
			}
			if nonEmpty(chunk.Usage) {
				if !yield(models.TokenUsage(chunk.Usage)) {
					return
				}
			}
		}
	}
}

func chunkSources(chunk openaicompat.StreamChunk) json.RawMessage {
	if nonEmpty(chunk.SearchResults) {
		return chunk.SearchResults
	}
	if nonEmpty(chunk.Citations) {
		return chunk.Citations
	}
	return nil
}

func responseSources(searchResults, citations json.RawMessage) []models.Source {
	for _, raw := range []json.RawMessage{searchResults, citations} {
		sources, err := translator.NormalizeSources(raw)
		if err == nil && len(sources) > 0 {
			return sources
		}
	}
	return nil
}

// nonEmpty reports whether raw carries a value worth forwarding: not null and not an
// empty array or object.
func nonEmpty(raw json.RawMessage) bool {
	if !translator.Present(raw) {
		return false
	}
	switch string(raw) {
	case "[]", "{}":
		return false
	}
	return true
}

var (
	_ provider.Adapter = (*Provider)(nil)
)
