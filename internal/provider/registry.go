package provider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"

	"agentspace/internal/models"
)

// ErrUnknownProvider indicates the requested provider name is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// Adapter translates between the canonical shapes and one upstream provider.
//
// OneShot returns the provider's answer as a StructuredOutput. Stream returns a finite,
// single-use sequence of token events; failures after the call has been issued are
// delivered as a final KindError event rather than returned.
type Adapter interface {
	Name() string
	OneShot(ctx context.Context, message string, history []models.Message) (*models.StructuredOutput, error)
	Stream(ctx context.Context, message string, history []models.Message) iter.Seq[models.TokenEvent]
}

// Explainer is implemented by adapters that attach a fixed explanation to streamed
// answers because their provider cannot return a real one.
type Explainer interface {
	Explanation() string
}

// Registry is an immutable mapping of provider names to adapters.
type Registry struct {
	byName map[string]Adapter
}

// NewRegistry constructs a registry from the given adapters. Names must be unique.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	byName := make(map[string]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			return nil, errors.New("adapter must not be nil")
		}
		name := adapter.Name()
		if name == "" {
			return nil, errors.New("adapter name must not be empty")
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("provider %q already registered", name)
		}
		byName[name] = adapter
	}
	return &Registry{byName: byName}, nil
}

// Lookup returns the adapter registered under name.
func (r *Registry) Lookup(name string) (Adapter, error) {
	adapter, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return adapter, nil
}

// Names lists the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered adapter ordered by name.
func (r *Registry) All() []Adapter {
	names := r.Names()
	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		adapters = append(adapters, r.byName[name])
	}
	return adapters
}
