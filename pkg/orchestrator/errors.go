package orchestrator

import (
	"errors"
	"fmt"

	"github.com/dotsetgreg/dotpersona/pkg/completion"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

// ErrHalted is returned when shutdown stopped the loop between iterations.
var ErrHalted = errors.New("orchestrator halted")

// TransportFailure wraps a failed model call. It consumes an iteration.
type TransportFailure struct {
	Attempt int
	Err     error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("model call failed on attempt %d: %v", e.Attempt, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// Retryable reports whether the endpoint signalled a transient failure.
// Errors that carry no status are treated as transient.
func (e *TransportFailure) Retryable() bool {
	var apiErr *providers.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// ExhaustedError reports that every iteration failed. Nothing was applied.
type ExhaustedError struct {
	Kind       completion.Kind
	LastReason string
	Attempts   int
	// LastErr is the final validation or transport failure.
	LastErr error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s gave up after %d attempts: %s", e.Kind, e.Attempts, e.LastReason)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }
