// Package orchestrator fans one message out to several providers' one-shot calls.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/telemetry"
	"agentspace/internal/translator"
)

const defaultMaxConcurrent = 8

// Result is one provider's slot in the aggregated response. Response holds a
// *models.StructuredOutput on success and an "Error: ..." string on failure.
type Result = translator.ProviderResponse

// Orchestrator dispatches concurrent one-shot calls against a registry.
type Orchestrator struct {
	registry      *provider.Registry
	maxConcurrent int
	logger        *slog.Logger
}

// New creates an orchestrator running at most maxConcurrent provider calls at a time.
func New(registry *provider.Registry, maxConcurrent int, logger *slog.Logger) *Orchestrator {
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry:      registry,
		maxConcurrent: maxConcurrent,
		logger:        logger.With("component", "orchestrator"),
	}
}

// Dispatch calls every named provider with message and no history, and returns one
// result per name in completion order. It waits for every call; a failing provider
// never affects its siblings. Calls are detached from ctx cancellation so each runs
// until its own timeout.
func (o *Orchestrator) Dispatch(ctx context.Context, message string, names []string) []Result {
	ctx = context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(names))
	)
	record := func(r Result) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(o.maxConcurrent)

	for _, name := range names {
		adapter, err := o.registry.Lookup(name)
		if err != nil {
			o.logger.Warn("fan-out skipped unknown provider", "provider", name)
			record(Result{Provider: name, Response: errorText(err)})
			continue
		}

		g.Go(func() error {
			out, err := o.call(ctx, adapter, message)
			if err != nil {
				o.logger.Error("fan-out provider call failed", "provider", name, "error", err)
				record(Result{Provider: name, Response: errorText(err)})
				return nil
			}
			record(Result{Provider: name, Response: out})
			return nil
		})
	}

	_ = g.Wait()
	return results
}

func (o *Orchestrator) call(ctx context.Context, adapter provider.Adapter, message string) (out *models.StructuredOutput, err error) {
	ctx, span := telemetry.Start(ctx, "orchestrator.call", attribute.String("provider", adapter.Name()))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("provider %s panicked: %v", adapter.Name(), r)
		}
		telemetry.End(span, err)
	}()

	out, err = adapter.OneShot(ctx, message, nil)
	if err == nil && out == nil {
		err = fmt.Errorf("provider %s returned no output", adapter.Name())
	}
	return out, err
}

func errorText(err error) string {
	return "Error: " + err.Error()
}
