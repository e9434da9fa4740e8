package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/cohenjo/changestream/pkg/config"
)

// TelemetryManager manages OpenTelemetry metrics and tracing. Metrics are
// exposed through the prometheus registerer given at construction.
type TelemetryManager struct {
	config         config.TelemetryConfig
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	meter          metric.Meter
	tracer         trace.Tracer

	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Int64ObservableGauge

	activeStreams func() int

	mutex   sync.RWMutex
	started bool
}

// Option customizes a TelemetryManager
type Option func(*TelemetryManager)

// WithSpanProcessor attaches sp to the tracer provider, e.g. an exporter or
// a span recorder in tests.
func WithSpanProcessor(sp sdktrace.SpanProcessor) Option {
	return func(tm *TelemetryManager) {
		if tm.tracerProvider != nil {
			tm.tracerProvider.RegisterSpanProcessor(sp)
		}
	}
}

// WithActiveStreams reports the number of running streams as a gauge.
func WithActiveStreams(count func() int) Option {
	return func(tm *TelemetryManager) {
		tm.activeStreams = count
	}
}

// NewTelemetryManager creates a new telemetry manager
func NewTelemetryManager(cfg config.TelemetryConfig, registerer prometheus.Registerer, opts ...Option) (*TelemetryManager, error) {
	log.Info().
		Bool("enabled", cfg.Enabled).
		Bool("tracing_enabled", cfg.TracingEnabled).
		Str("service_name", cfg.ServiceName).
		Msg("Creating telemetry manager with config")

	tm := &TelemetryManager{
		config:     cfg,
		tracer:     noop.NewTracerProvider().Tracer(cfg.ServiceName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Int64ObservableGauge),
	}
	if !cfg.Enabled {
		log.Info().Msg("Telemetry disabled")
		return tm, nil
	}

	res := tm.createResource()
	if err := tm.setupMetrics(registerer, res); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.TracingEnabled {
		tm.tracerProvider = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		tm.tracer = tm.tracerProvider.Tracer(cfg.ServiceName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	}
	for _, opt := range opts {
		opt(tm)
	}

	if err := tm.createInstruments(); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	return tm, nil
}

// setupMetrics configures OpenTelemetry metrics with the prometheus exporter
func (tm *TelemetryManager) setupMetrics(registerer prometheus.Registerer, res *resource.Resource) error {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(registerer))
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	tm.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	tm.meter = tm.meterProvider.Meter(
		tm.config.ServiceName,
		metric.WithInstrumentationVersion(tm.config.ServiceVersion),
	)
	return nil
}

// createResource creates an OpenTelemetry resource
func (tm *TelemetryManager) createResource() *resource.Resource {
	attributes := []attribute.KeyValue{
		attribute.String("service.name", tm.config.ServiceName),
		attribute.String("service.version", tm.config.ServiceVersion),
		attribute.String("environment", tm.config.Environment),
	}
	for key, value := range tm.config.Labels {
		attributes = append(attributes, attribute.String(key, value))
	}
	return resource.NewSchemaless(attributes...)
}

// createInstruments creates all the metric instruments
func (tm *TelemetryManager) createInstruments() error {
	var err error

	tm.counters["events_processed"], err = tm.meter.Int64Counter(
		"changestream_events_processed",
		metric.WithDescription("Total number of change events delivered"),
	)
	if err != nil {
		return fmt.Errorf("failed to create events_processed counter: %w", err)
	}

	tm.counters["events_failed"], err = tm.meter.Int64Counter(
		"changestream_events_failed",
		metric.WithDescription("Total number of change events that failed delivery"),
	)
	if err != nil {
		return fmt.Errorf("failed to create events_failed counter: %w", err)
	}

	tm.counters["bytes_processed"], err = tm.meter.Int64Counter(
		"changestream_bytes_processed",
		metric.WithDescription("Total number of event bytes delivered"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("failed to create bytes_processed counter: %w", err)
	}

	tm.histograms["processing_duration"], err = tm.meter.Float64Histogram(
		"changestream_processing_duration",
		metric.WithDescription("Event processing duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create processing_duration histogram: %w", err)
	}

	tm.histograms["replication_lag"], err = tm.meter.Float64Histogram(
		"changestream_replication_lag",
		metric.WithDescription("Delay between the oplog timestamp and delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create replication_lag histogram: %w", err)
	}

	tm.histograms["http_request_duration"], err = tm.meter.Float64Histogram(
		"changestream_http_request_duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	if tm.activeStreams != nil {
		tm.gauges["active_streams"], err = tm.meter.Int64ObservableGauge(
			"changestream_active_streams",
			metric.WithDescription("Number of running change streams"),
			metric.WithInt64Callback(tm.observeActiveStreams),
		)
		if err != nil {
			return fmt.Errorf("failed to create active_streams gauge: %w", err)
		}
	}
	return nil
}

func (tm *TelemetryManager) enabled() bool {
	return tm.config.Enabled && tm.meter != nil
}

// Start starts the telemetry manager
func (tm *TelemetryManager) Start(ctx context.Context) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if tm.started {
		return fmt.Errorf("telemetry manager already started")
	}
	tm.started = true
	log.Info().Bool("enabled", tm.config.Enabled).Msg("Telemetry manager started")
	return nil
}

// Stop flushes and shuts down the providers
func (tm *TelemetryManager) Stop(ctx context.Context) error {
	tm.mutex.Lock()
	defer tm.mutex.Unlock()

	if !tm.started {
		return nil
	}
	if tm.meterProvider != nil {
		if err := tm.meterProvider.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown meter provider")
		}
	}
	if tm.tracerProvider != nil {
		if err := tm.tracerProvider.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown tracer provider")
		}
	}

	tm.started = false
	log.Info().Msg("Telemetry manager stopped")
	return nil
}

// RecordEvent records metrics for a delivered event. clusterTime is the
// oplog time of the event and may be zero.
func (tm *TelemetryManager) RecordEvent(ctx context.Context, streamName, operationType string, size int, clusterTime time.Time, processingTime time.Duration, success bool) {
	if !tm.enabled() {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("stream_name", streamName),
		attribute.String("operation_type", operationType),
	)
	if !success {
		tm.counters["events_failed"].Add(ctx, 1, attrs)
		return
	}

	tm.counters["events_processed"].Add(ctx, 1, attrs)
	tm.counters["bytes_processed"].Add(ctx, int64(size), metric.WithAttributes(attribute.String("stream_name", streamName)))
	tm.histograms["processing_duration"].Record(ctx, processingTime.Seconds(), attrs)
	if !clusterTime.IsZero() {
		tm.histograms["replication_lag"].Record(ctx, time.Since(clusterTime).Seconds(), attrs)
	}
}

// RecordHTTPRequest records HTTP request metrics
func (tm *TelemetryManager) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if !tm.enabled() {
		return
	}
	tm.histograms["http_request_duration"].Record(context.Background(), duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status_code", statusCode),
	))
}

// StartTrace starts a new trace span
func (tm *TelemetryManager) StartTrace(ctx context.Context, operationName string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, trace.WithAttributes(attributes...))
}

func (tm *TelemetryManager) observeActiveStreams(ctx context.Context, observer metric.Int64Observer) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	observer.Observe(int64(tm.activeStreams()))
	return nil
}
