package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentspace/internal/history"
	"agentspace/internal/models"
)

const maxFeedbackLength = 5000

var (
	errEmptyMessage    = errors.New("message must not be empty")
	errInvalidRole     = errors.New("invalid role")
	errInvalidMode     = errors.New("invalid mode")
	errFeedbackTooLong = fmt.Errorf("feedback message must be at most %d characters", maxFeedbackLength)
)

// ChatRequest models the body accepted by the one-shot and streaming chat endpoints.
type ChatRequest struct {
	Message string
	History []json.RawMessage
	Mode    models.Mode
}

// UnmarshalJSON implements custom parsing to enforce validation.
func (r *ChatRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Message string            `json:"message"`
		History []json.RawMessage `json:"history"`
		Mode    string            `json:"mode"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	if strings.TrimSpace(raw.Message) == "" {
		return errEmptyMessage
	}

	mode, err := parseMode(raw.Mode)
	if err != nil {
		return err
	}

	r.Message = raw.Message
	r.History = raw.History
	r.Mode = mode
	return nil
}

// ToUnified normalises the history and checks every role against the accepted set.
func (r ChatRequest) ToUnified() (models.ChatRequest, error) {
	msgs, err := history.Normalize(r.History)
	if err != nil {
		return models.ChatRequest{}, err
	}
	for i, msg := range msgs {
		if !msg.Role.Valid() {
			return models.ChatRequest{}, fmt.Errorf("%w %q at history index %d", errInvalidRole, msg.Role, i)
		}
	}

	mode := r.Mode
	if mode == "" {
		mode = models.ModeOneLiner
	}
	return models.ChatRequest{
		Message: r.Message,
		History: msgs,
		Mode:    mode,
	}, nil
}

func parseMode(value string) (models.Mode, error) {
	switch models.Mode(strings.TrimSpace(value)) {
	case "", models.ModeOneLiner:
		return models.ModeOneLiner, nil
	case models.ModeConversation:
		return models.ModeConversation, nil
	default:
		return "", fmt.Errorf("%w %q: must be %q or %q", errInvalidMode, value, models.ModeOneLiner, models.ModeConversation)
	}
}

// MultiAgentRequest models the fan-out endpoint body.
type MultiAgentRequest struct {
	Message string   `json:"message"`
	Agents  []string `json:"agents"`
}

// Validate checks the fan-out request.
func (r MultiAgentRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errEmptyMessage
	}
	return nil
}

// FeedbackRequest models the feedback endpoint body.
type FeedbackRequest struct {
	Message string `json:"message"`
}

// Validate checks the feedback length bounds.
func (r FeedbackRequest) Validate() error {
	if strings.TrimSpace(r.Message) == "" {
		return errEmptyMessage
	}
	if len([]rune(r.Message)) > maxFeedbackLength {
		return errFeedbackTooLong
	}
	return nil
}

// FrontendLogRequest models a log line forwarded by the browser client.
type FrontendLogRequest struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Extra   map[string]any `json:"extra"`
}

// ProviderResponse is the envelope returned by the one-shot and fan-out endpoints.
// Response holds either a StructuredOutput or an error string.
type ProviderResponse struct {
	Provider string `json:"provider"`
	Response any    `json:"response"`
}

// Failed reports whether Response carries an error string.
func (r ProviderResponse) Failed() bool {
	_, isString := r.Response.(string)
	return isString
}
