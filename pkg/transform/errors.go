package transform

import "errors"

// Transformation error definitions
var (
	ErrInvalidRuleName      = errors.New("invalid rule name")
	ErrInvalidActionSpec    = errors.New("invalid action specification")
	ErrTransformationFailed = errors.New("transformation failed")
)
