package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// MissingCredentialError reports a provider called without a configured API key.
type MissingCredentialError struct {
	Provider string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("provider %s: api key is not configured", e.Provider)
}

// UpstreamCallFailedError reports a non-success HTTP status from a provider. Body holds
// the provider's error payload, compacted JSON when it parsed, raw text otherwise.
type UpstreamCallFailedError struct {
	Provider string
	Status   int
	Body     string
}

func (e *UpstreamCallFailedError) Error() string {
	return fmt.Sprintf("provider %s: upstream call failed with status %d: %s", e.Provider, e.Status, e.Body)
}

// UpstreamTimeoutError reports a connect or read timeout while waiting for a provider.
type UpstreamTimeoutError struct {
	Provider string
	Err      error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("provider %s: upstream timed out: %v", e.Provider, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error {
	return e.Err
}

// ClassifyTransportError maps an error returned while calling a provider into the
// timeout taxonomy. Errors that are not timeouts are wrapped with the provider name.
func ClassifyTransportError(providerName string, err error) error {
	if err == nil {
		return nil
	}

	var (
		callErr    *UpstreamCallFailedError
		missingErr *MissingCredentialError
		timeoutErr *UpstreamTimeoutError
	)
	if errors.As(err, &callErr) || errors.As(err, &missingErr) || errors.As(err, &timeoutErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamTimeoutError{Provider: providerName, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &UpstreamTimeoutError{Provider: providerName, Err: err}
	}
	return fmt.Errorf("provider %s request failed: %w", providerName, err)
}

// IsTimeout reports whether err carries an UpstreamTimeoutError.
func IsTimeout(err error) bool {
	var timeoutErr *UpstreamTimeoutError
	return errors.As(err, &timeoutErr)
}
