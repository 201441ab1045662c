package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrResponseTooLarge is returned when a one-shot response exceeds the
	// configured size cap.
	ErrResponseTooLarge = errors.New("response exceeds size limit")

	// ErrStreamNotInitiated is returned when a stream is used before Initiate.
	ErrStreamNotInitiated = errors.New("stream not initiated")
)

// StatusError is a non-success status reported by the peer.
type StatusError struct {
	StatusCode int
	Status     string
	Operation  string // e.g. "forward", "put object"
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: HTTP %d: %s", e.Operation, e.StatusCode, e.Status)
}

// NewStatusError creates a new StatusError
func NewStatusError(statusCode int, status, operation string, body []byte) *StatusError {
	return &StatusError{
		StatusCode: statusCode,
		Status:     status,
		Operation:  operation,
		Body:       body,
	}
}

// IsStatusError checks if an error is a StatusError
func IsStatusError(err error) bool {
	var e *StatusError
	return errors.As(err, &e)
}

// StatusCode returns the peer status carried by err, or 0.
func StatusCode(err error) int {
	var e *StatusError
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}
