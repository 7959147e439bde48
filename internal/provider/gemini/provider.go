// Package gemini adapts the Google Gemini generative content API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/sync/semaphore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"agentspace/internal/history"
	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/translator"
)

const (
	// Name is the registry key of the Gemini adapter.
	Name = "gemini"

	DefaultModel          = "gemini-2.5-flash"
	DefaultOneShotTimeout = 60 * time.Second
	DefaultMaxConcurrency = 8

	explanation = "Response generated by Google Gemini"
)

// roleNames renames roles into Gemini's vocabulary.
var roleNames = map[models.Role]string{
	models.RoleAssistant: "model",
	models.RoleUser:      "user",
}

// Config tunes the adapter.
type Config struct {
	APIKey         string
	Model          string
	StreamModel    string
	EmissionMode   provider.EmissionMode
	OneShotTimeout time.Duration
	MaxConcurrency int64
	ClientOptions  []option.ClientOption
}

// Provider calls Gemini through the generative-ai-go SDK. Concurrent SDK calls are
// bounded by a weighted semaphore.
type Provider struct {
	backend        backend
	model          string
	streamModel    string
	emission       provider.EmissionMode
	oneShotTimeout time.Duration
	sem            *semaphore.Weighted
}

// New creates the adapter. Without an API key no SDK client is created and every call
// fails with a MissingCredentialError.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return newProvider(nil, cfg), nil
	}

	b, err := newSDKBackend(ctx, cfg.APIKey, cfg.ClientOptions...)
	if err != nil {
		return nil, err
	}
	return newProvider(b, cfg), nil
}

func newProvider(b backend, cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.StreamModel == "" {
		cfg.StreamModel = cfg.Model
	}
	if cfg.OneShotTimeout <= 0 {
		cfg.OneShotTimeout = DefaultOneShotTimeout
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Provider{
		backend:        b,
		model:          cfg.Model,
		streamModel:    cfg.StreamModel,
		emission:       cfg.EmissionMode,
		oneShotTimeout: cfg.OneShotTimeout,
		sem:            semaphore.NewWeighted(cfg.MaxConcurrency),
	}
}

func (p *Provider) Name() string { return Name }

// Explanation is attached to streamed answers.
func (p *Provider) Explanation() string { return explanation }

// Close releases the SDK client.
func (p *Provider) Close() error {
	if p.backend == nil {
		return nil
	}
	return p.backend.Close()
}

// OneShot requests JSON output constrained by the StructuredOutput schema.
func (p *Provider) OneShot(ctx context.Context, message string, hist []models.Message) (*models.StructuredOutput, error) {
	if p.backend == nil {
		return nil, &provider.MissingCredentialError{Provider: Name}
	}

	ctx, cancel := context.WithTimeout(ctx, p.oneShotTimeout)
	defer cancel()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, provider.ClassifyTransportError(Name, err)
	}
	defer p.sem.Release(1)

	prior, turn := contents(message, hist)
	resp, err := p.backend.Generate(ctx, p.model, true, prior, turn)
	if err != nil {
		return nil, classifyError(err)
	}

	out := translator.ParseStructured(responseText(resp))
	out.NerdStats = append(out.NerdStats, translator.UsagePairs(usageJSON(resp))...)
	return &out, nil
}

// Stream forwards text deltas. Chunks are diffed according to the configured emission
// mode. Usage counters are forwarded after the text of the chunk carrying them, and only
// when they differ from the last counters sent.
func (p *Provider) Stream(ctx context.Context, message string, hist []models.Message) iter.Seq[models.TokenEvent] {
	return func(yield func(models.TokenEvent) bool) {
		if p.backend == nil {
			yield(models.TokenError((&provider.MissingCredentialError{Provider: Name}).Error()))
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			yield(models.TokenError(provider.ClassifyTransportError(Name, err).Error()))
			return
		}
		defer p.sem.Release(1)

		prior, turn := contents(message, hist)
		it := p.backend.GenerateStream(ctx, p.streamModel, prior, turn)
		tracker := provider.NewDeltaTracker(p.emission)

		var lastUsage json.RawMessage
		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(models.TokenError(classifyError(err).Error()))
				return
			}

			if delta := tracker.Next(responseText(resp)); delta != "" {
				if !yield(models.TokenText(delta)) {
					return
				}
			}
			if raw := usageJSON(resp); raw != nil && !bytes.Equal(raw, lastUsage) {
				lastUsage = raw
				if !yield(models.TokenUsage(raw)) {
					return
				}
			}
		}
	}
}

// contents converts the conversation into SDK contents, splitting off the current turn.
func contents(message string, hist []models.Message) ([]*genai.Content, *genai.Content) {
	turns := history.RenameRoles(history.WithCurrentTurn(hist, message), roleNames)

	out := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		out = append(out, &genai.Content{Role: t.Role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	if len(out) == 0 {
		return nil, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(message)}}
	}
	return out[:len(out)-1], out[len(out)-1]
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

func usageJSON(resp *genai.GenerateContentResponse) json.RawMessage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}

	raw, err := json.Marshal(map[string]int32{
		"prompt_tokens":     resp.UsageMetadata.PromptTokenCount,
		"completion_tokens": resp.UsageMetadata.CandidatesTokenCount,
		"total_tokens":      resp.UsageMetadata.TotalTokenCount,
	})
	if err != nil {
		return nil
	}
	return raw
}

var (
	_ provider.Adapter   = (*Provider)(nil)
	_ provider.Explainer = (*Provider)(nil)
)
