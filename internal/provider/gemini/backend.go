package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agentspace/internal/provider"
)

// responseIterator is satisfied by *genai.GenerateContentResponseIterator. Next returns
// iterator.Done once the stream is exhausted.
type responseIterator interface {
	Next() (*genai.GenerateContentResponse, error)
}

// backend issues generate calls against the Gemini API. history holds prior turns and
// turn is the message being sent.
type backend interface {
	Generate(ctx context.Context, model string, structured bool, history []*genai.Content, turn *genai.Content) (*genai.GenerateContentResponse, error)
	GenerateStream(ctx context.Context, model string, history []*genai.Content, turn *genai.Content) responseIterator
	Close() error
}

type sdkBackend struct {
	client *genai.Client
}

func newSDKBackend(ctx context.Context, apiKey string, opts ...option.ClientOption) (*sdkBackend, error) {
	opts = append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &sdkBackend{client: client}, nil
}

func (b *sdkBackend) chat(model string, structured bool, history []*genai.Content) *genai.ChatSession {
	m := b.client.GenerativeModel(model)
	if structured {
		m.ResponseMIMEType = "application/json"
		m.ResponseSchema = structuredOutputSchema()
	}
	cs := m.StartChat()
	cs.History = history
	return cs
}

func (b *sdkBackend) Generate(ctx context.Context, model string, structured bool, history []*genai.Content, turn *genai.Content) (*genai.GenerateContentResponse, error) {
	return b.chat(model, structured, history).SendMessage(ctx, turn.Parts...)
}

func (b *sdkBackend) GenerateStream(ctx context.Context, model string, history []*genai.Content, turn *genai.Content) responseIterator {
	return b.chat(model, false, history).SendMessageStream(ctx, turn.Parts...)
}

func (b *sdkBackend) Close() error {
	return b.client.Close()
}

// classifyError maps SDK failures onto the provider error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if body == "" {
			body = apiErr.Body
		}
		return &provider.UpstreamCallFailedError{Provider: Name, Status: apiErr.Code, Body: body}
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		if st.Code() == codes.DeadlineExceeded {
			return &provider.UpstreamTimeoutError{Provider: Name, Err: err}
		}
		return &provider.UpstreamCallFailedError{Provider: Name, Status: httpStatus(st.Code()), Body: st.Message()}
	}

	return provider.ClassifyTransportError(Name, err)
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Unimplemented:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
