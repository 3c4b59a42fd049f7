package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrNotConfigured is returned by a provider that has no credentials or
// endpoint. It is terminal.
var ErrNotConfigured = errors.New("provider not configured")

// ProviderError is a failed call to an external generation backend.
// Transient errors may be retried; the rest fail the step immediately.
type ProviderError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Transient  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying within a step.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return isRetryableError(err)
}

// terminal wraps err as a non-retryable failure of provider.
func terminal(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

// statusError classifies a non-success HTTP response.
func statusError(provider string, status int, body []byte) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: status,
		Transient:  isRetryableStatus(status),
		Err:        errors.New(truncate(strings.TrimSpace(string(body)), 300)),
	}
}

// requestError classifies a transport-level failure.
func requestError(provider string, err error) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Transient: isRetryableError(err),
		Err:       err,
	}
}

// StatusError classifies a non-success response from a collaborator outside
// this package, such as object storage.
func StatusError(provider string, status int, body []byte) *ProviderError {
	return statusError(provider, status, body)
}

// RequestError classifies a transport failure from a collaborator outside this
// package.
func RequestError(provider string, err error) *ProviderError {
	return requestError(provider, err)
}

// isRetryableError checks if a network-level error is worth retrying.
// Cancellation of the caller's context never is.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}

// truncate limits a string to maxLen characters for log output
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
