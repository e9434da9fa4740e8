package changestream

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error wraps exactly one of them, test with errors.Is.
var (
	ErrInvalidOption    = errors.New("invalid option")
	ErrTypeMismatch     = errors.New("type mismatch")
	ErrIllegalOperation = errors.New("illegal operation")
	ErrFailedToParse    = errors.New("failed to parse")
)

var (
	// ErrStreamInvalidated is returned by Stream.Next once the invalidate event was emitted.
	ErrStreamInvalidated = errors.New("change stream invalidated")

	// ErrFilterMismatch is the panic value when the transformer receives an
	// entry the filter should have rejected. It is a programming error.
	ErrFilterMismatch = errors.New("entry passed the filter but has no change event shape")
)

// Numeric codes reported with each error, stable across releases.
const (
	CodeFailedToParse            = 9
	CodeTypeMismatch             = 14
	CodeUnrecognizedOption       = 40415
	CodeNoReplicationCoordinator = 40573
	CodeUnrecognizedFullDocument = 40575
)

// Error is a user facing failure to build or parse the stage.
type Error struct {
	Kind    error
	Code    int
	Message string
}

func newError(kind error, code int, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d): %s", e.Kind, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

// ErrorCode returns the code of the *Error in err's chain, or 0.
func ErrorCode(err error) int {
	var csErr *Error
	if errors.As(err, &csErr) {
		return csErr.Code
	}
	return 0
}
