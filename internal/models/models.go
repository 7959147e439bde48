package models

import "encoding/json"

// Role identifies the author of a conversational message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the two accepted values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message represents a single conversational turn in the unified schema.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Mode selects how much of the caller's history is forwarded upstream.
type Mode string

const (
	ModeOneLiner     Mode = "one-liner"
	ModeConversation Mode = "conversation"
)

// ChatRequest is the canonical representation of a chat call after boundary validation.
type ChatRequest struct {
	Message string
	History []Message
	Mode    Mode
}

// Source is a citation attached to an answer.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// KeyValuePair carries provider metadata whose schema varies per provider.
type KeyValuePair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Action is a tool-call style output.
type Action struct {
	Tool       string   `json:"tool"`
	Parameters []string `json:"parameters,omitempty"`
	Result     string   `json:"result,omitempty"`
}

// StructuredOutput is the provider-agnostic response envelope. Answer is always
// serialised; every other field is omitted when the provider cannot supply it.
type StructuredOutput struct {
	Answer      string         `json:"answer"`
	Explanation string         `json:"explanation,omitempty"`
	Sources     []Source       `json:"sources,omitempty"`
	Facts       []string       `json:"facts,omitempty"`
	Code        string         `json:"code,omitempty"`
	Language    string         `json:"language,omitempty"`
	Actions     []Action       `json:"actions,omitempty"`
	NerdStats   []KeyValuePair `json:"nerd_stats,omitempty"`
}

// TokenKind discriminates the variants of TokenEvent.
type TokenKind string

const (
	KindToken   TokenKind = "token"
	KindSources TokenKind = "sources"
	KindUsage   TokenKind = "usage"
	KindError   TokenKind = "error"
)

// TokenEvent is one element of an adapter's token stream. Only the field matching
// Kind is meaningful.
type TokenEvent struct {
	Kind    TokenKind
	Text    string
	Sources json.RawMessage
	Usage   json.RawMessage
	Message string
}

// TokenText builds a token event carrying an incremental text delta.
func TokenText(delta string) TokenEvent {
	return TokenEvent{Kind: KindToken, Text: delta}
}

// TokenSources builds a sources event carrying the provider's raw citation list.
func TokenSources(raw json.RawMessage) TokenEvent {
	return TokenEvent{Kind: KindSources, Sources: raw}
}

// TokenUsage builds a usage event carrying the provider's raw usage counters.
func TokenUsage(raw json.RawMessage) TokenEvent {
	return TokenEvent{Kind: KindUsage, Usage: raw}
}

// TokenError builds the terminal error event of a stream.
func TokenError(message string) TokenEvent {
	return TokenEvent{Kind: KindError, Message: message}
}
