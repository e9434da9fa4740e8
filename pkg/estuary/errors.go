package estuary

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedTarget = errors.New("unsupported target type")
	ErrEndpointClosed    = errors.New("endpoint is closed")
)

// DestinationError represents errors that occur during destination operations
type DestinationError struct {
	Code        string
	Message     string
	Operation   string
	Destination string
	Cause       error
}

// Error implements the error interface
func (e *DestinationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s in %s operation on %s: %v", e.Code, e.Message, e.Operation, e.Destination, e.Cause)
	}
	return fmt.Sprintf("[%s] %s in %s operation on %s", e.Code, e.Message, e.Operation, e.Destination)
}

// Unwrap returns the underlying cause
func (e *DestinationError) Unwrap() error {
	return e.Cause
}

// Common error codes
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeWriteFailed      = "WRITE_FAILED"
	ErrCodeEncodingFailed   = "ENCODING_FAILED"
)

func NewConnectionError(destination, message string, cause error) *DestinationError {
	return &DestinationError{
		Code:        ErrCodeConnectionFailed,
		Message:     message,
		Operation:   "connect",
		Destination: destination,
		Cause:       cause,
	}
}

func NewWriteError(destination, message string, cause error) *DestinationError {
	return &DestinationError{
		Code:        ErrCodeWriteFailed,
		Message:     message,
		Operation:   "write",
		Destination: destination,
		Cause:       cause,
	}
}

func NewEncodingError(destination string, cause error) *DestinationError {
	return &DestinationError{
		Code:        ErrCodeEncodingFailed,
		Message:     "cannot encode record",
		Operation:   "write",
		Destination: destination,
		Cause:       cause,
	}
}
