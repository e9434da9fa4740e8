package models

import (
	"time"

	"github.com/cohenjo/changestream/pkg/config"
)

// StreamState represents the runtime state of a change stream
type StreamState struct {
	Name            string              `json:"name"`
	Namespace       string              `json:"namespace"`
	Status          config.StreamStatus `json:"status"`
	EntriesRead     uint64              `json:"entries_read"`
	EntriesFiltered uint64              `json:"entries_filtered"`
	EventsEmitted   uint64              `json:"events_emitted"`
	EventsDelivered uint64              `json:"events_delivered"`
	ErrorCount      int64               `json:"error_count"`
	LastError       *string             `json:"last_error,omitempty"`
	ResumeToken     string              `json:"resume_token,omitempty"`
	LastClusterTime *time.Time          `json:"last_cluster_time,omitempty"`
	LastEventAt     *time.Time          `json:"last_event_at,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	StoppedAt       *time.Time          `json:"stopped_at,omitempty"`
}

// IsActive reports whether the stream is still reading its source
func (s StreamState) IsActive() bool {
	return s.Status == config.StreamStatusStarting || s.Status == config.StreamStatusRunning
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status      string                 `json:"status"` // healthy, degraded, unhealthy
	Timestamp   time.Time              `json:"timestamp"`
	Uptime      string                 `json:"uptime"`
	Version     string                 `json:"version"`
	StreamCount int                    `json:"stream_count"`
	Streams     map[string]StreamState `json:"streams"`
	Checks      map[string]CheckResult `json:"checks"`
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Status    string    `json:"status"` // pass, fail, warn
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
