// Package history converts caller-supplied conversation history into the
// unified Message shape and applies the forwarding policy selected by the caller.
package history

import (
	"encoding/json"
	"errors"
	"fmt"

	"agentspace/internal/models"
)

// ErrInvalidHistoryEntry indicates a history item without a usable role or content.
var ErrInvalidHistoryEntry = errors.New("invalid history entry")

// Normalize converts history records into Messages, preserving order. Entries may be
// Message values, pointers to them, loosely typed maps or raw JSON objects. Roles are
// copied verbatim; provider-specific renames happen inside the adapters.
func Normalize[T any](entries []T) ([]models.Message, error) {
	if len(entries) == 0 {
		return []models.Message{}, nil
	}

	out := make([]models.Message, 0, len(entries))
	for i, entry := range entries {
		msg, err := normalizeEntry(any(entry))
		if err != nil {
			return nil, fmt.Errorf("%w at index %d: %v", ErrInvalidHistoryEntry, i, err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func normalizeEntry(entry any) (models.Message, error) {
	switch v := entry.(type) {
	case models.Message:
		return checkFields(v.Role != "", v)
	case *models.Message:
		if v == nil {
			return models.Message{}, errors.New("nil message")
		}
		return checkFields(v.Role != "", *v)
	case map[string]string:
		role, hasRole := v["role"]
		content, hasContent := v["content"]
		if !hasRole || !hasContent {
			return models.Message{}, errors.New("role and content are required")
		}
		return checkFields(role != "", models.Message{Role: models.Role(role), Content: content})
	case map[string]any:
		return fromMap(v)
	case json.RawMessage:
		return fromJSON(v)
	case []byte:
		return fromJSON(v)
	default:
		return models.Message{}, fmt.Errorf("unsupported entry type %T", entry)
	}
}

func fromJSON(data []byte) (models.Message, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Message{}, fmt.Errorf("decode entry: %w", err)
	}
	return fromMap(fields)
}

func fromMap(fields map[string]any) (models.Message, error) {
	rawRole, hasRole := fields["role"]
	rawContent, hasContent := fields["content"]
	if !hasRole || !hasContent {
		return models.Message{}, errors.New("role and content are required")
	}

	role, ok := rawRole.(string)
	if !ok {
		return models.Message{}, fmt.Errorf("role must be a string, got %T", rawRole)
	}
	content, ok := rawContent.(string)
	if !ok {
		return models.Message{}, fmt.Errorf("content must be a string, got %T", rawContent)
	}
	return checkFields(role != "", models.Message{Role: models.Role(role), Content: content})
}

func checkFields(hasRole bool, msg models.Message) (models.Message, error) {
	if !hasRole {
		return models.Message{}, errors.New("role must not be empty")
	}
	return msg, nil
}

// ApplyMode returns the history to forward for the given mode. One-liner calls carry
// no history at all; the adapters append the current message themselves.
func ApplyMode(mode models.Mode, history []models.Message) []models.Message {
	if mode == models.ModeConversation {
		return history
	}
	return nil
}

// WithCurrentTurn returns the history with message appended as a trailing user turn,
// unless the history already ends with that exact user turn.
func WithCurrentTurn(history []models.Message, message string) []models.Message {
	out := make([]models.Message, 0, len(history)+1)
	out = append(out, history...)
	if message == "" {
		return out
	}
	if n := len(out); n > 0 && out[n-1].Role == models.RoleUser && out[n-1].Content == message {
		return out
	}
	return append(out, models.Message{Role: models.RoleUser, Content: message})
}

// RenameRoles applies a fixed role vocabulary to a copy of messages. Roles missing
// from the table pass through unchanged.
func RenameRoles(messages []models.Message, table map[models.Role]string) []RenamedMessage {
	out := make([]RenamedMessage, 0, len(messages))
	for _, msg := range messages {
		role := string(msg.Role)
		if renamed, ok := table[msg.Role]; ok {
			role = renamed
		}
		out = append(out, RenamedMessage{Role: role, Content: msg.Content})
	}
	return out
}

// RenamedMessage is a message whose role follows a provider's own vocabulary.
type RenamedMessage struct {
	Role    string
	Content string
}
