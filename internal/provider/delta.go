package provider

import (
	"fmt"
	"strings"
)

// EmissionMode describes how a provider's stream reports generated text.
type EmissionMode int

const (
	// EmitDeltas means each chunk carries only newly generated text.
	EmitDeltas EmissionMode = iota
	// EmitCumulative means each chunk carries the full text generated so far.
	EmitCumulative
)

// ParseEmissionMode maps a configuration value to an EmissionMode.
func ParseEmissionMode(value string) (EmissionMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "delta", "deltas":
		return EmitDeltas, nil
	case "cumulative":
		return EmitCumulative, nil
	default:
		return EmitDeltas, fmt.Errorf("unknown emission mode %q", value)
	}
}

func (m EmissionMode) String() string {
	if m == EmitCumulative {
		return "cumulative"
	}
	return "delta"
}

// DeltaTracker turns upstream chunks into incremental deltas.
type DeltaTracker struct {
	mode EmissionMode
	seen string
}

// NewDeltaTracker creates a tracker for the given emission mode.
func NewDeltaTracker(mode EmissionMode) *DeltaTracker {
	return &DeltaTracker{mode: mode}
}

// Next returns the new text carried by chunk. In cumulative mode a chunk that does not
// extend the previously seen text replaces it and is returned whole.
func (t *DeltaTracker) Next(chunk string) string {
	if t.mode != EmitCumulative {
		return chunk
	}
	if chunk == "" {
		return ""
	}

	delta := chunk
	if strings.HasPrefix(chunk, t.seen) {
		delta = chunk[len(t.seen):]
	}
	t.seen = chunk
	return delta
}
