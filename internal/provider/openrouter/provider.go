// Package openrouter adapts models served through the OpenRouter aggregator.
package openrouter

import (
	"context"
	"fmt"
	"iter"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/provider/openaicompat"
	"agentspace/internal/translator"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// SchemaName labels the strict response schema sent with one-shot calls.
	SchemaName = "llm_structured_output"
)

// DefaultModels maps the registry names served by default to OpenRouter model IDs.
var DefaultModels = map[string]string{
	"deepseek": "deepseek/deepseek-r1-0528:free",
	"qwen":     "qwen/qwen3-4b:free",
}

// Provider exposes one OpenRouter model under its own registry name.
type Provider struct {
	name   string
	model  string
	client *openaicompat.Client
}

// New creates an adapter named name that routes to the OpenRouter model ID model.
func New(name, model string, client *openaicompat.Client) (*Provider, error) {
	if name == "" || model == "" {
		return nil, fmt.Errorf("openrouter adapter requires a name and a model, got %q/%q", name, model)
	}
	return &Provider{name: name, model: model, client: client}, nil
}

func (p *Provider) Name() string { return p.name }

// Model returns the upstream model ID.
func (p *Provider) Model() string { return p.model }

// Explanation identifies the model family. OpenRouter streams carry no explanation of
// their own.
func (p *Provider) Explanation() string {
	return fmt.Sprintf("Response generated by %s via OpenRouter", p.model)
}

// OneShot enforces the strict structured-output schema. Sources are never populated.
func (p *Provider) OneShot(ctx context.Context, message string, history []models.Message) (*models.StructuredOutput, error) {
	resp, err := p.client.Complete(ctx, openaicompat.ChatRequest{
		Model:          p.model,
		Messages:       openaicompat.BuildMessages(message, history),
		ResponseFormat: translator.JSONSchemaResponseFormat(SchemaName, true),
	})
	if err != nil {
		return nil, err
	}

	content, _ := resp.Content()
	out := translator.ParseStructured(content)
	out.Sources = nil
	out.NerdStats = append(out.NerdStats, translator.UsagePairs(resp.Usage)...)
	return &out, nil
}

// Stream requests plain-text deltas; structured output is not honoured by OpenRouter
// while streaming.
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
			if translator.Present(chunk.Usage) {
				if !yield(models.TokenUsage(chunk.Usage)) {
					return
				}
			}
		}
	}
}

var (
	_ provider.Adapter   = (*Provider)(nil)
	_ provider.Explainer = (*Provider)(nil)
)
