package replicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cohenjo/changestream/pkg/api"
	"github.com/cohenjo/changestream/pkg/changestream"
	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/estuary"
	"github.com/cohenjo/changestream/pkg/metrics"
	"github.com/cohenjo/changestream/pkg/models"
	"github.com/cohenjo/changestream/pkg/oplog"
	"github.com/cohenjo/changestream/pkg/transform"
)

// Service represents the main change stream service
type Service struct {
	config          *config.Config
	logger          *logrus.Logger
	streamManager   *StreamManager
	apiServer       *api.Server
	telemetry       *metrics.TelemetryManager
	sourceFactory   SourceFactory
	endpointFactory EndpointFactory
	status          ServiceStatus
	startTime       time.Time
	wg              sync.WaitGroup
	mu              sync.RWMutex
}

// ServiceStatus represents the current status of the service
type ServiceStatus string

const (
	StatusStopped  ServiceStatus = "stopped"
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopping ServiceStatus = "stopping"
	StatusError    ServiceStatus = "error"
)

// ServiceOptions represents configuration options for the service
type ServiceOptions struct {
	Config *config.Config
	Logger *logrus.Logger
	// Registerer and Gatherer back the telemetry export and the metrics
	// endpoint, the prometheus defaults when nil.
	Registerer      prometheus.Registerer
	Gatherer        prometheus.Gatherer
	SourceFactory   SourceFactory
	EndpointFactory EndpointFactory
	EnableAPI       bool
}

// NewService creates a new service instance
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.SourceFactory == nil {
		opts.SourceFactory = MongoSourceFactory
	}
	if opts.EndpointFactory == nil {
		opts.EndpointFactory = estuary.NewEndpoint
	}

	service := &Service{
		config:          opts.Config,
		logger:          opts.Logger,
		streamManager:   NewStreamManager(opts.Logger),
		sourceFactory:   opts.SourceFactory,
		endpointFactory: opts.EndpointFactory,
		status:          StatusStopped,
	}

	telemetry, err := metrics.NewTelemetryManager(opts.Config.Telemetry, opts.Registerer,
		metrics.WithActiveStreams(service.streamManager.ActiveCount))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry manager: %w", err)
	}
	service.telemetry = telemetry

	if opts.EnableAPI {
		service.apiServer, err = api.NewServer(api.ServerOptions{
			Server:    opts.Config.Server,
			Metrics:   opts.Config.Metrics,
			Streams:   service,
			Telemetry: telemetry,
			Gatherer:  opts.Gatherer,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create API server: %w", err)
		}
	}
	return service, nil
}

// Start builds the enabled streams and starts them
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusStopped {
		return fmt.Errorf("service is already running or starting")
	}
	s.status = StatusStarting
	s.startTime = time.Now()
	s.logger.Info("Starting change stream service")

	if err := s.telemetry.Start(ctx); err != nil {
		s.status = StatusError
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	if err := s.initializeStreams(ctx); err != nil {
		s.status = StatusError
		return fmt.Errorf("failed to initialize streams: %w", err)
	}

	if s.apiServer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.apiServer.Start(); err != nil {
				s.logger.WithError(err).Error("API server failed")
			}
		}()
	}

	if err := s.streamManager.StartAll(ctx); err != nil {
		s.status = StatusError
		return fmt.Errorf("failed to start streams: %w", err)
	}

	s.status = StatusRunning
	s.logger.WithField("streams", s.streamManager.Len()).Info("Change stream service started successfully")
	return nil
}

// Stop gracefully stops the service
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning && s.status != StatusError {
		return fmt.Errorf("service is not running")
	}
	s.status = StatusStopping
	s.logger.Info("Stopping change stream service")

	if err := s.streamManager.StopAll(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to stop some streams")
	}
	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to stop API server")
		}
	}
	if err := s.telemetry.Stop(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to stop telemetry")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Shutdown context cancelled, some goroutines may not have stopped cleanly")
	}

	s.status = StatusStopped
	s.logger.WithField("uptime", time.Since(s.startTime)).Info("Change stream service stopped")
	return nil
}

// GetStatus returns the current service status
func (s *Service) GetStatus() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) StreamStates() []models.StreamState {
	return s.streamManager.StreamStates()
}

func (s *Service) StreamState(name string) (models.StreamState, bool) {
	return s.streamManager.StreamState(name)
}

func (s *Service) StopStream(ctx context.Context, name string) error {
	return s.streamManager.StopStream(ctx, name)
}

// HealthStatus adds the service status on top of the stream health
func (s *Service) HealthStatus() models.HealthStatus {
	status := s.streamManager.HealthStatus()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != StatusRunning {
		status.Status = "unhealthy"
	}
	if !s.startTime.IsZero() {
		status.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}
	status.Version = s.config.Telemetry.ServiceVersion
	status.Checks["service"] = models.CheckResult{
		Status:    checkStatus(s.status == StatusRunning),
		Message:   string(s.status),
		Timestamp: time.Now(),
	}
	return status
}

func checkStatus(ok bool) string {
	if ok {
		return "pass"
	}
	return "fail"
}

// initializeStreams builds a Replicator for every enabled stream
func (s *Service) initializeStreams(ctx context.Context) error {
	for _, streamConfig := range s.config.Streams {
		if !streamConfig.Enabled {
			s.logger.WithField("stream", streamConfig.Name).Debug("Skipping disabled stream")
			continue
		}

		r, err := s.buildReplicator(ctx, streamConfig)
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", streamConfig.Name, err)
		}
		if err := s.streamManager.Add(r); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{
			"stream":  streamConfig.Name,
			"ns":      streamConfig.Source.Namespace(),
			"targets": len(streamConfig.Targets),
		}).Info("Stream initialized")
	}
	return nil
}

// buildReplicator opens the source, parses the $changeStream stage against
// it and connects the targets.
func (s *Service) buildReplicator(ctx context.Context, cfg config.StreamConfig) (*Replicator, error) {
	engine, err := transform.NewEngine(cfg.Transformation)
	if err != nil {
		return nil, err
	}

	source, coordinator, err := s.sourceFactory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}

	ns := oplog.Namespace{DB: cfg.Source.Database, Coll: cfg.Source.Collection}
	stages, err := changestream.BuildD(cfg.ChangeStreamSpec(), changestream.ExpressionContext{
		Namespace:   ns,
		Coordinator: coordinator,
	})
	if err != nil {
		source.Close(ctx)
		return nil, err
	}
	stream, err := changestream.NewStream(source, stages...)
	if err != nil {
		source.Close(ctx)
		return nil, err
	}

	endpoints := estuary.NewEndpointManager()
	for _, target := range cfg.Targets {
		endpoint, err := s.endpointFactory(ctx, target)
		if err != nil {
			endpoints.Close()
			source.Close(ctx)
			return nil, fmt.Errorf("failed to create estuary for target %s: %w", target.Type, err)
		}
		endpoints.RegisterEndpoint(string(target.Type), endpoint)
	}

	return NewReplicator(ReplicatorOptions{
		Name:      cfg.Name,
		Namespace: ns,
		Stream:    stream,
		Engine:    engine,
		Endpoints: endpoints,
		Telemetry: s.telemetry,
		Logger:    s.logger,
	}), nil
}
