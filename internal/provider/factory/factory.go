package factory

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"agentspace/internal/config"
	"agentspace/internal/provider"
	"agentspace/internal/provider/gemini"
	"agentspace/internal/provider/openaicompat"
	"agentspace/internal/provider/openrouter"
	"agentspace/internal/provider/perplexity"
)

const (
	oneShotTimeout         = 60 * time.Second
	responseHeaderTimeout  = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

// Built holds the registry plus the resources that must be released on shutdown.
type Built struct {
	Registry *provider.Registry
	closers  []io.Closer
}

// Close releases SDK clients held by the adapters.
func (b *Built) Close() error {
	var firstErr error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// BuildRegistry constructs every configured adapter and returns them in an immutable registry.
func BuildRegistry(ctx context.Context, cfg config.ProvidersConfig) (*Built, error) {
	oneShotClient := newHTTPClient(oneShotTimeout, responseHeaderTimeout)
	streamClient := newHTTPClient(0, 0)

	var adapters []provider.Adapter

	pplxClient, err := openaicompat.New(perplexity.Name, openaicompat.Config{
		APIKey:  cfg.Perplexity.APIKey,
		BaseURL: cfg.Perplexity.BaseURL,
		Headers: cfg.Perplexity.Headers,
	}, oneShotClient, streamClient)
	if err != nil {
		return nil, fmt.Errorf("initialise perplexity provider: %w", err)
	}
	adapters = append(adapters, perplexity.New(pplxClient, cfg.Perplexity.Model))

	names := make([]string, 0, len(cfg.OpenRouter.Models))
	for name := range cfg.OpenRouter.Models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		client, err := openaicompat.New(name, openaicompat.Config{
			APIKey:  cfg.OpenRouter.APIKey,
			BaseURL: cfg.OpenRouter.BaseURL,
			Headers: cfg.OpenRouter.Headers,
		}, oneShotClient, streamClient)
		if err != nil {
			return nil, fmt.Errorf("initialise openrouter provider %s: %w", name, err)
		}
		adapter, err := openrouter.New(name, cfg.OpenRouter.Models[name], client)
		if err != nil {
			return nil, fmt.Errorf("initialise openrouter provider %s: %w", name, err)
		}
		adapters = append(adapters, adapter)
	}

	emission, err := provider.ParseEmissionMode(cfg.Gemini.EmissionMode)
	if err != nil {
		return nil, fmt.Errorf("initialise gemini provider: %w", err)
	}
	geminiProvider, err := gemini.New(ctx, gemini.Config{
		APIKey:         cfg.Gemini.APIKey,
		Model:          cfg.Gemini.Model,
		StreamModel:    cfg.Gemini.StreamModel,
		EmissionMode:   emission,
		MaxConcurrency: cfg.Gemini.MaxConcurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise gemini provider: %w", err)
	}
	adapters = append(adapters, geminiProvider)

	registry, err := provider.NewRegistry(adapters...)
	if err != nil {
		_ = geminiProvider.Close()
		return nil, fmt.Errorf("register providers: %w", err)
	}

	return &Built{Registry: registry, closers: []io.Closer{geminiProvider}}, nil
}

// newHTTPClient builds a client with bounded dial and TLS timeouts. A zero timeout leaves
// the overall request unbounded, which streaming calls rely on.
func newHTTPClient(timeout, headerTimeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
