package transport

import (
	"errors"
	"fmt"
)

// TransportError reports that a worker could not be reached at all.
type TransportError struct {
	Operation   string
	Address     string
	Err         error
	Fallback    string
	FallbackErr error
}

func (e *TransportError) Error() string {
	if e.FallbackErr != nil {
		return fmt.Sprintf("worker %s unreachable at %s (%v) and %s (%v)",
			e.Operation, e.Address, e.Err, e.Fallback, e.FallbackErr)
	}
	return fmt.Sprintf("worker %s unreachable at %s: %v", e.Operation, e.Address, e.Err)
}

// Unwrap exposes both attempt errors.
func (e *TransportError) Unwrap() []error {
	if e.FallbackErr != nil {
		return []error{e.Err, e.FallbackErr}
	}
	return []error{e.Err}
}

// RemoteError is a non-2xx answer from a worker.
type RemoteError struct {
	Operation  string
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker %s failed (%d %s): %s", e.Operation, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("worker %s failed (%d): %s", e.Operation, e.StatusCode, e.Message)
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}

// IsRemote reports whether err is a RemoteError.
func IsRemote(err error) bool {
	var r *RemoteError
	return errors.As(err, &r)
}
