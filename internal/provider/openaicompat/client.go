// Package openaicompat implements the chat/completions wire protocol shared by the
// OpenAI-compatible upstreams (Perplexity, OpenRouter).
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"agentspace/internal/history"
	"agentspace/internal/models"
	"agentspace/internal/provider"
)

const (
	contentTypeJSON  = "application/json"
	contentTypeSSE   = "text/event-stream"
	userAgent        = "agentspace/0.1"
	maxErrorBodySize = 64 * 1024
)

// Config captures authentication and routing info for one upstream.
type Config struct {
	APIKey  string
	BaseURL string
	Headers map[string]string
}

// Client performs chat/completions calls against one OpenAI-compatible upstream.
type Client struct {
	provider     string
	apiKey       string
	headers      map[string]string
	client       *http.Client
	streamClient *http.Client
	chatURL      string
}

// New creates a client. client serves bounded one-shot calls; streamClient serves
// streaming calls and is expected to have no overall read timeout.
func New(providerName string, cfg Config, client, streamClient *http.Client) (*Client, error) {
	if client == nil || streamClient == nil {
		return nil, errors.New("http clients must not be nil")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		return nil, errors.New("base url must not be empty")
	}

	return &Client{
		provider:     providerName,
		apiKey:       strings.TrimSpace(cfg.APIKey),
		headers:      cfg.Headers,
		client:       client,
		streamClient: streamClient,
		chatURL:      baseURL + "/chat/completions",
	}, nil
}

// Message is a chat/completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the chat/completions request body.
type ChatRequest struct {
	Model          string         `json:"model"`
	Messages       []Message      `json:"messages"`
	Stream         bool           `json:"stream,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

// ChatResponse is the subset of the chat/completions response envelope the adapters
// read. SearchResults and Citations are Perplexity extensions.
type ChatResponse struct {
	ID            string          `json:"id"`
	Model         string          `json:"model"`
	Choices       []chatChoice    `json:"choices"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	SearchResults json.RawMessage `json:"search_results,omitempty"`
	Citations     json.RawMessage `json:"citations,omitempty"`
}

type chatChoice struct {
	Index   int `json:"index"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

// Content returns the first choice's message content.
func (r *ChatResponse) Content() (string, bool) {
	if r == nil || len(r.Choices) == 0 {
		return "", false
	}
	return r.Choices[0].Message.Content, true
}

// StreamChunk is one decoded chat.completion.chunk event.
type StreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	SearchResults json.RawMessage `json:"search_results,omitempty"`
	Citations     json.RawMessage `json:"citations,omitempty"`
}

// DeltaContent returns the first choice's incremental content.
func (c StreamChunk) DeltaContent() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}

// Complete performs a one-shot chat/completions call.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	httpReq, err := c.newRequest(ctx, req, contentTypeJSON)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, provider.ClassifyTransportError(c.provider, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, c.parseAPIError(httpResp)
	}

	var resp ChatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, provider.ClassifyTransportError(c.provider, fmt.Errorf("decode provider response: %w", err))
	}
	return &resp, nil
}

// Stream performs a streaming chat/completions call. The sequence yields decoded chunks
// in arrival order; a transport failure is yielded once as a non-nil error and ends the
// sequence. Undecodable chunks are skipped. Breaking out of the loop closes the
// upstream connection.
func (c *Client) Stream(ctx context.Context, req ChatRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		req.Stream = true
		httpReq, err := c.newRequest(ctx, req, contentTypeSSE)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}

		httpResp, err := c.streamClient.Do(httpReq)
		if err != nil {
			yield(StreamChunk{}, provider.ClassifyTransportError(c.provider, err))
			return
		}
		defer httpResp.Body.Close()

		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			yield(StreamChunk{}, c.parseAPIError(httpResp))
			return
		}

		scanner := NewSSEScanner(httpResp.Body)
		for {
			payload, err := scanner.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(StreamChunk{}, provider.ClassifyTransportError(c.provider, err))
				return
			}

			var chunk StreamChunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (c *Client) newRequest(ctx context.Context, payload ChatRequest, accept string) (*http.Request, error) {
	if c.apiKey == "" {
		return nil, &provider.MissingCredentialError{Provider: c.provider}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.chatURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

func (c *Client) parseAPIError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return &provider.UpstreamCallFailedError{
			Provider: c.provider,
			Status:   resp.StatusCode,
			Body:     fmt.Sprintf("failed to read error body: %v", err),
		}
	}

	text := strings.TrimSpace(string(body))
	var compacted bytes.Buffer
	if json.Valid(body) && json.Compact(&compacted, body) == nil {
		text = compacted.String()
	}

	return &provider.UpstreamCallFailedError{
		Provider: c.provider,
		Status:   resp.StatusCode,
		Body:     text,
	}
}

// BuildMessages converts the conversation plus the current turn into chat/completions
// messages. Roles are passed through unchanged.
func BuildMessages(message string, hist []models.Message) []Message {
	turns := history.WithCurrentTurn(hist, message)
	renamed := history.RenameRoles(turns, nil)

	out := make([]Message, 0, len(renamed))
	for _, m := range renamed {
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return out
}
