package replicator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/models"
)

// StreamManager manages multiple change streams
type StreamManager struct {
	streams map[string]*Replicator
	logger  *logrus.Logger
	mu      sync.RWMutex
}

func NewStreamManager(logger *logrus.Logger) *StreamManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &StreamManager{
		streams: make(map[string]*Replicator),
		logger:  logger,
	}
}

// Add registers a stream under its name
func (sm *StreamManager) Add(r *Replicator) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, exists := sm.streams[r.Name()]; exists {
		return fmt.Errorf("%w: %s", models.ErrStreamAlreadyExists, r.Name())
	}
	sm.streams[r.Name()] = r
	return nil
}

// Get retrieves a stream by name
func (sm *StreamManager) Get(name string) (*Replicator, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	r, exists := sm.streams[name]
	return r, exists
}

// Len returns the number of registered streams
func (sm *StreamManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.streams)
}

// StartAll starts all registered streams
func (sm *StreamManager) StartAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	for name, r := range sm.streams {
		if err := r.Start(ctx); err != nil {
			sm.logger.WithError(err).WithField("stream", name).Error("Failed to start stream")
			return fmt.Errorf("failed to start stream %s: %w", name, err)
		}
		sm.logger.WithField("stream", name).Info("Stream started")
	}
	return nil
}

// StopAll stops every started stream and reports the ones that failed
func (sm *StreamManager) StopAll(ctx context.Context) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var errs []error
	for name, r := range sm.streams {
		err := r.Stop(ctx)
		if err == nil || errors.Is(err, models.ErrStreamNotRunning) {
			continue
		}
		sm.logger.WithError(err).WithField("stream", name).Error("Failed to stop stream")
		errs = append(errs, fmt.Errorf("failed to stop stream %s: %w", name, err))
	}
	return errors.Join(errs...)
}

// StopStream stops one stream. A stream that already ended is not running.
func (sm *StreamManager) StopStream(ctx context.Context, name string) error {
	r, ok := sm.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrStreamNotFound, name)
	}
	if !r.State().IsActive() {
		return fmt.Errorf("%w: %s", models.ErrStreamNotRunning, name)
	}
	return r.Stop(ctx)
}

// StreamStates returns the state of every stream ordered by name
func (sm *StreamManager) StreamStates() []models.StreamState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	states := make([]models.StreamState, 0, len(sm.streams))
	for _, r := range sm.streams {
		states = append(states, r.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

func (sm *StreamManager) StreamState(name string) (models.StreamState, bool) {
	r, ok := sm.Get(name)
	if !ok {
		return models.StreamState{}, false
	}
	return r.State(), true
}

// ActiveCount returns the number of streams still reading their source
func (sm *StreamManager) ActiveCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	count := 0
	for _, r := range sm.streams {
		if r.State().IsActive() {
			count++
		}
	}
	return count
}

// HealthStatus is degraded while any stream is in error
func (sm *StreamManager) HealthStatus() models.HealthStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	status := "healthy"
	streamStates := make(map[string]models.StreamState, len(sm.streams))
	for name, r := range sm.streams {
		state := r.State()
		streamStates[name] = state
		if state.Status == config.StreamStatusError {
			status = "degraded"
		}
	}

	return models.HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		StreamCount: len(sm.streams),
		Streams:     streamStates,
		Checks:      make(map[string]models.CheckResult),
	}
}
