package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/metrics"
	"github.com/cohenjo/changestream/pkg/models"
)

// StreamProvider is the view of the running change streams the API serves.
type StreamProvider interface {
	StreamStates() []models.StreamState
	StreamState(name string) (models.StreamState, bool)
	StopStream(ctx context.Context, name string) error
	HealthStatus() models.HealthStatus
}

// Server represents the main HTTP server
type Server struct {
	httpServer *http.Server
	streams    StreamProvider
	telemetry  *metrics.TelemetryManager
	gatherer   prometheus.Gatherer
	metrics    config.MetricsConfig
}

// ServerOptions configures the API server
type ServerOptions struct {
	Server    config.ServerConfig
	Metrics   config.MetricsConfig
	Streams   StreamProvider
	Telemetry *metrics.TelemetryManager
	// Gatherer backs the metrics endpoint, prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
}

// NewServer creates a new HTTP API server
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Streams == nil {
		return nil, fmt.Errorf("stream provider is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Metrics.Path == "" {
		opts.Metrics.Path = "/metrics"
	}

	server := &Server{
		streams:   opts.Streams,
		telemetry: opts.Telemetry,
		gatherer:  opts.Gatherer,
		metrics:   opts.Metrics,
	}
	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", opts.Server.Host, opts.Server.Port),
		Handler:      server.Handler(),
		ReadTimeout:  opts.Server.ReadTimeout,
		WriteTimeout: opts.Server.WriteTimeout,
	}

	log.Info().
		Str("address", server.httpServer.Addr).
		Bool("metrics_enabled", opts.Metrics.Enabled).
		Msg("HTTP API server created")
	return server, nil
}

// Handler returns the routes wrapped in middleware
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health := NewHealthHandler(s.streams)
	mux.HandleFunc("GET /health", health.Health)
	mux.HandleFunc("GET /health/live", health.Live)
	mux.HandleFunc("GET /health/ready", health.Ready)

	streams := NewStreamsHandler(s.streams)
	mux.HandleFunc("GET /streams", streams.List)
	mux.HandleFunc("GET /streams/{name}", streams.Get)
	mux.HandleFunc("POST /streams/{name}/stop", streams.Stop)

	if s.metrics.Enabled {
		mux.Handle("GET "+s.metrics.Path, metricsHandler(s.gatherer))
	}

	mux.HandleFunc("GET /{$}", s.handleRoot)

	var handler http.Handler = mux
	handler = s.metricsMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)
	return handler
}

// Start serves until Stop is called
func (s *Server) Start() error {
	log.Info().
		Str("address", s.httpServer.Addr).
		Msg("Starting HTTP API server")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping HTTP API server")
	return s.httpServer.Shutdown(ctx)
}

// GetAddr returns the server address
func (s *Server) GetAddr() string {
	return s.httpServer.Addr
}

// handleRoot handles the root endpoint
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":  "/health",
		"streams": "/streams",
	}
	if s.metrics.Enabled {
		endpoints["metrics"] = s.metrics.Path
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "changestream",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// responseWriterWrapper captures the status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriterWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		if s.telemetry != nil {
			s.telemetry.RecordHTTPRequest(r.Method, r.Pattern, wrapped.statusCode, time.Since(start))
		}
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error().Interface("panic", err).Str("path", r.URL.Path).Msg("HTTP handler panic")
				writeError(w, http.StatusInternalServerError, fmt.Errorf("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
