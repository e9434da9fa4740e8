package models

import (
	"errors"
	"fmt"
	"time"
)

// Common error definitions
var (
	ErrStreamNotFound       = errors.New("stream not found")
	ErrStreamAlreadyExists  = errors.New("stream already exists")
	ErrStreamNotRunning     = errors.New("stream is not running")
	ErrStreamAlreadyRunning = errors.New("stream is already running")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrConnectionFailed     = errors.New("connection failed")
	ErrDeliveryFailed       = errors.New("delivery failed")
)

// Error types carried by ReplicationError
const (
	ErrorTypeSource    = "source"
	ErrorTypePipeline  = "pipeline"
	ErrorTypeTransform = "transform"
	ErrorTypeDelivery  = "delivery"
)

// ReplicationError represents a detailed replication error
type ReplicationError struct {
	StreamName    string    `json:"stream_name"`
	ErrorType     string    `json:"error_type"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
	EventID       string    `json:"event_id,omitempty"`
	Fatal         bool      `json:"fatal"`
	OriginalError error     `json:"-"`
}

func NewReplicationError(stream, errorType string, fatal bool, err error) *ReplicationError {
	return &ReplicationError{
		StreamName:    stream,
		ErrorType:     errorType,
		Message:       fmt.Sprintf("stream %s: %s: %v", stream, errorType, err),
		Timestamp:     time.Now(),
		Fatal:         fatal,
		OriginalError: err,
	}
}

// Error implements the error interface
func (e *ReplicationError) Error() string {
	return e.Message
}

// Unwrap returns the original error for error unwrapping
func (e *ReplicationError) Unwrap() error {
	return e.OriginalError
}
