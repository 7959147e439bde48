// Package stream drives one provider's token stream onto an SSE connection.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"agentspace/internal/models"
	"agentspace/internal/provider"
	"agentspace/internal/sse"
	"agentspace/internal/telemetry"
	"agentspace/internal/translator"
)

// State is a controller lifecycle state.
type State int

const (
	StateStreaming State = iota
	StateFinalizing
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Sink is the client side of one streaming connection.
type Sink interface {
	// Write sends one complete frame and flushes it to the client.
	Write(frame []byte) error
	// Disconnected reports whether the client has gone away.
	Disconnected() bool
}

// Result summarises a finished session.
type Result struct {
	State  State
	Frames int
}

var errDisconnected = errors.New("client disconnected")

// Controller streams one adapter's answers. It holds no per-request state and is safe
// for concurrent use.
type Controller struct {
	adapter provider.Adapter
	logger  *slog.Logger
}

// New creates a controller for adapter.
func New(adapter provider.Adapter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		adapter: adapter,
		logger:  logger.With("component", "stream", "provider", adapter.Name()),
	}
}

// Run streams the answer for message onto sink. Every frame carries a sequence id
// starting at 0. A session that is not aborted ends with exactly one done frame; once
// the client disconnects nothing more is written and the upstream call is released.
func (c *Controller) Run(ctx context.Context, message string, history []models.Message, sink Sink) Result {
	ctx, span := telemetry.Start(ctx, "stream.session", attribute.String("provider", c.adapter.Name()))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{sink: sink, state: StateStreaming}
	var failure error
	defer func() {
		span.SetAttributes(attribute.Int("stream.frames", s.seq), attribute.String("stream.state", s.state.String()))
		telemetry.End(span, failure)
	}()

	var (
		answer      strings.Builder
		lastSources json.RawMessage
		lastUsage   json.RawMessage
		upstreamErr string
	)

	for ev := range c.adapter.Stream(ctx, message, history) {
		var err error
		switch ev.Kind {
		case models.KindToken:
			if ev.Text == "" {
				continue
			}
			answer.WriteString(ev.Text)
			err = s.emit(sse.EventToken, map[string]string{"answer": ev.Text})
		case models.KindSources:
			lastSources = ev.Sources
			err = s.emit(sse.EventSources, map[string]json.RawMessage{"sources": ev.Sources})
		case models.KindUsage:
			lastUsage = ev.Usage
			err = s.emit(sse.EventUsage, ev.Usage)
		case models.KindError:
			upstreamErr = ev.Message
			err = s.emit(sse.EventError, map[string]string{"message": ev.Message})
		default:
			continue
		}

		if err != nil {
			c.abort(s, err)
			cancel()
			failure = err
			return s.result()
		}
		if upstreamErr != "" {
			break
		}
	}

	if upstreamErr != "" {
		c.logger.Error("upstream stream failed", "error", upstreamErr)
		failure = errors.New(upstreamErr)
	} else {
		s.state = StateFinalizing
		final, err := c.finalize(answer.String(), lastSources, lastUsage)
		if err != nil {
			c.logger.Error("stream finalization failed", "error", err)
			failure = err
			err = s.emit(sse.EventError, map[string]string{"message": "finalization failed", "detail": err.Error()})
		} else {
			err = s.emit(sse.EventFinal, final)
		}
		if err != nil {
			c.abort(s, err)
			return s.result()
		}
	}

	s.state = StateDone
	if err := s.emit(sse.EventDone, sse.DonePayload); err != nil {
		c.abort(s, err)
	}
	return s.result()
}

// finalize builds the summary frame payload from what the stream delivered.
func (c *Controller) finalize(answer string, sources, usage json.RawMessage) (models.StructuredOutput, error) {
	normalized, err := translator.NormalizeSources(sources)
	if err != nil {
		return models.StructuredOutput{}, err
	}

	out := models.StructuredOutput{
		Answer:    answer,
		Sources:   normalized,
		NerdStats: translator.UsagePairs(usage),
	}
	if explainer, ok := c.adapter.(provider.Explainer); ok {
		out.Explanation = explainer.Explanation()
	}
	return out, nil
}

func (c *Controller) abort(s *session, err error) {
	s.state = StateAborted
	if errors.Is(err, errDisconnected) {
		c.logger.Info("client disconnected, stream aborted", "frames", s.seq)
		return
	}
	c.logger.Warn("stream write failed, stream aborted", "frames", s.seq, "error", err)
}

// session holds the per-connection sequence counter.
type session struct {
	sink  Sink
	seq   int
	state State
}

func (s *session) emit(event string, payload any) error {
	if s.sink.Disconnected() {
		return errDisconnected
	}

	frame, err := sse.FrameWithID(s.seq, event, payload)
	if err != nil {
		return err
	}
	if err := s.sink.Write(frame); err != nil {
		return fmt.Errorf("write %s frame: %w", event, err)
	}
	s.seq++
	return nil
}

func (s *session) result() Result {
	return Result{State: s.state, Frames: s.seq}
}
