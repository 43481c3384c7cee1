package schema

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is.
var (
	// ErrInvalidRequest marks client-side validation failures.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnsupportedModel marks an unknown model id (user input error).
	ErrUnsupportedModel = errors.New("unsupported model")

	// ErrSessionNotFound marks a reference to an unknown or expired session.
	ErrSessionNotFound = errors.New("session not found")
)

// UpstreamError carries a backend transport or API failure. Retryable at
// the caller's discretion; never retried internally.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s upstream error (status %d): %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s upstream error: %s", e.Provider, e.Message)
}

// MalformedStructuredOutputError marks backend content that failed JSON or
// schema parsing. Distinct from UpstreamError so callers can retry with
// relaxed constraints.
type MalformedStructuredOutputError struct {
	Provider string
	Raw      string
	Cause    error
}

func (e *MalformedStructuredOutputError) Error() string {
	return fmt.Sprintf("%s returned malformed structured output: %v", e.Provider, e.Cause)
}

func (e *MalformedStructuredOutputError) Unwrap() error { return e.Cause }

// UnsupportedModelf builds an ErrUnsupportedModel with the offending id.
func UnsupportedModelf(modelID string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedModel, modelID)
}
