package tracker

import (
	"errors"
	"fmt"
)

// ErrNotFound reports that the remote task (or user) does not exist. For
// mirrored tasks this means the remote twin was deleted.
var ErrNotFound = errors.New("tracker: not found")

// TransientError wraps failures that are expected to clear on their own:
// network errors, timeouts and 5xx responses. Callers skip the affected
// item and retry on the next cycle.
type TransientError struct {
	Method string
	Err    error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("tracker: transient failure in %s: %v", e.Method, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a structured error reply from the tracker REST endpoint.
type APIError struct {
	Method      string `json:"method"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker: %s failed: %s (%s)", e.Method, e.Code, e.Description)
}
