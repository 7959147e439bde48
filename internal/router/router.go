package router

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"agentspace/internal/history"
	"agentspace/internal/models"
	"agentspace/internal/orchestrator"
	"agentspace/internal/provider"
	"agentspace/internal/stream"
	"agentspace/internal/telemetry"
)

// Router dispatches unified requests to the appropriate provider.
type Router struct {
	registry    *provider.Registry
	controllers map[string]*stream.Controller
	fanout      *orchestrator.Orchestrator
}

// New constructs a router backed by the provided registry. One streaming controller is
// built per registered provider.
func New(registry *provider.Registry, maxFanout int, logger *slog.Logger) *Router {
	controllers := make(map[string]*stream.Controller)
	for _, adapter := range registry.All() {
		controllers[adapter.Name()] = stream.New(adapter, logger)
	}

	return &Router{
		registry:    registry,
		controllers: controllers,
		fanout:      orchestrator.New(registry, maxFanout, logger),
	}
}

// Providers lists the registered provider names.
func (r *Router) Providers() []string {
	return r.registry.Names()
}

// Chat routes a one-shot request to the named provider. History is forwarded according
// to the request mode.
func (r *Router) Chat(ctx context.Context, name string, req models.ChatRequest) (out *models.StructuredOutput, err error) {
	adapter, err := r.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	ctx, span := telemetry.Start(ctx, "router.chat",
		attribute.String("provider", name),
		attribute.String("mode", string(req.Mode)),
	)
	defer func() { telemetry.End(span, err) }()

	out, err = adapter.OneShot(ctx, req.Message, history.ApplyMode(req.Mode, req.History))
	if err != nil {
		return nil, fmt.Errorf("provider %s chat request: %w", name, err)
	}
	if out == nil {
		return nil, fmt.Errorf("provider %s returned no output", name)
	}
	return out, nil
}

// Controller returns the streaming controller of the named provider, so callers can
// reject unknown names before committing to an event stream.
func (r *Router) Controller(name string) (*stream.Controller, error) {
	controller, ok := r.controllers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", provider.ErrUnknownProvider, name)
	}
	return controller, nil
}

// Stream runs the named provider's streaming controller onto sink.
func (r *Router) Stream(ctx context.Context, controller *stream.Controller, req models.ChatRequest, sink stream.Sink) stream.Result {
	return controller.Run(ctx, req.Message, history.ApplyMode(req.Mode, req.History), sink)
}

// MultiAgent fans message out to every named provider.
func (r *Router) MultiAgent(ctx context.Context, message string, names []string) []orchestrator.Result {
	return r.fanout.Dispatch(ctx, message, names)
}
