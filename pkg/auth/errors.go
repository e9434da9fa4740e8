package auth

import "errors"

// Authentication error definitions
var (
	ErrInvalidMethod        = errors.New("invalid authentication method")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrConfigurationInvalid = errors.New("authentication configuration invalid")
	ErrCredentialsNotFound  = errors.New("credentials not found")
)
