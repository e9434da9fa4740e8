package replicator

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cohenjo/changestream/pkg/changestream"
	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/estuary"
	"github.com/cohenjo/changestream/pkg/events"
	"github.com/cohenjo/changestream/pkg/metrics"
	"github.com/cohenjo/changestream/pkg/models"
	"github.com/cohenjo/changestream/pkg/oplog"
	"github.com/cohenjo/changestream/pkg/transform"
)

/*
Replicator is the flow of a single change stream.
It pulls change events from the stream, applies the kazaam rules and feeds
the result to the estuary endpoints. The flow ends when the source is
exhausted, the stream is invalidated or Stop is called.
*/
type Replicator struct {
	name      string
	ns        oplog.Namespace
	stream    *changestream.Stream
	engine    *transform.Engine
	endpoints *estuary.EndpointManagment
	telemetry *metrics.TelemetryManager
	counters  *metrics.StreamCounters
	logger    *logrus.Entry

	mu     sync.RWMutex
	state  models.StreamState
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ReplicatorOptions wires the parts of a Replicator
type ReplicatorOptions struct {
	Name      string
	Namespace oplog.Namespace
	Stream    *changestream.Stream
	Engine    *transform.Engine
	Endpoints *estuary.EndpointManagment
	Telemetry *metrics.TelemetryManager
	Logger    *logrus.Logger
}

func NewReplicator(opts ReplicatorOptions) *Replicator {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Telemetry == nil {
		opts.Telemetry, _ = metrics.NewTelemetryManager(config.TelemetryConfig{}, nil)
	}
	if opts.Engine == nil {
		opts.Engine, _ = transform.NewEngine(nil)
	}
	return &Replicator{
		name:      opts.Name,
		ns:        opts.Namespace,
		stream:    opts.Stream,
		engine:    opts.Engine,
		endpoints: opts.Endpoints,
		telemetry: opts.Telemetry,
		counters:  metrics.NewStreamCounters(opts.Name),
		logger:    opts.Logger.WithFields(logrus.Fields{"stream": opts.Name, "ns": opts.Namespace.String()}),
		state: models.StreamState{
			Name:      opts.Name,
			Namespace: opts.Namespace.String(),
			Status:    config.StreamStatusStopped,
		},
	}
}

func (r *Replicator) Name() string {
	return r.name
}

// Start runs Flow in the background until ctx ends or Stop is called.
func (r *Replicator) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return models.ErrStreamAlreadyRunning
	}

	flowCtx, cancel := context.WithCancel(ctx)
	now := time.Now()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.state.Status = config.StreamStatusStarting
	r.state.StartedAt = &now

	go func() {
		defer close(r.done)
		err := r.Flow(flowCtx)
		if closeErr := r.stream.Close(context.Background()); closeErr != nil {
			r.logger.WithError(closeErr).Warn("Failed to close oplog source")
		}
		if closeErr := r.endpoints.Close(); closeErr != nil {
			r.logger.WithError(closeErr).Warn("Failed to close endpoints")
		}

		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
	}()
	return nil
}

// Stop cancels the flow and waits for it to return.
func (r *Replicator) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return models.ErrStreamNotRunning
	}
	cancel, done := r.cancel, r.done
	if r.state.IsActive() {
		r.state.Status = config.StreamStatusStopping
	}
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("Stream stopped")
	return nil
}

// Wait blocks until a started flow has returned and reports its error.
func (r *Replicator) Wait() error {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done == nil {
		return models.ErrStreamNotRunning
	}
	<-done

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Flow delivers events until the stream ends. Delivery failures are logged
// and counted but do not stop the flow, source failures do.
func (r *Replicator) Flow(ctx context.Context) error {
	r.setStatus(config.StreamStatusRunning)
	r.logger.Info("Stream running")

	for {
		event, err := r.stream.Next(ctx)
		r.counters.Observe(r.stream.Stats())
		r.syncStats()

		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, oplog.ErrSourceClosed):
			r.finish(config.StreamStatusStopped)
			return nil
		default:
			replErr := models.NewReplicationError(r.name, models.ErrorTypeSource, true, err)
			r.recordError(replErr)
			r.finish(config.StreamStatusError)
			r.logger.WithError(err).Error("Oplog source failed")
			return replErr
		}

		if err := r.deliver(ctx, event); err != nil {
			r.recordError(err)
			r.logger.WithError(err).WithField("operation_type", string(event.OperationType)).Error("Failed to deliver event")
		}

		if event.IsInvalidate() {
			r.counters.Invalidated()
			r.finish(config.StreamStatusInvalidated)
			r.logger.Warn("Stream invalidated, no further events will be delivered")
			return nil
		}
	}
}

func (r *Replicator) deliver(ctx context.Context, event events.ChangeEvent) error {
	start := time.Now()
	opType := string(event.OperationType)
	r.counters.Event(opType)

	ctx, span := r.telemetry.StartTrace(ctx, "changestream.deliver",
		attribute.String("stream_name", r.name),
		attribute.String("operation_type", opType),
	)
	defer span.End()

	clusterTime := time.Unix(int64(event.ID.Timestamp.T), 0)
	record, err := events.NewRecordEvent(event, r.ns.DB, r.ns.Coll)
	if err != nil {
		return r.failed(ctx, span, opType, clusterTime, start, models.NewReplicationError(r.name, models.ErrorTypePipeline, false, err))
	}
	if err := r.engine.Apply(ctx, record); err != nil {
		return r.failed(ctx, span, opType, clusterTime, start, models.NewReplicationError(r.name, models.ErrorTypeTransform, false, err))
	}
	if err := r.endpoints.PublishEvent(ctx, record); err != nil {
		return r.failed(ctx, span, opType, clusterTime, start, models.NewReplicationError(r.name, models.ErrorTypeDelivery, false, errors.Join(models.ErrDeliveryFailed, err)))
	}

	r.telemetry.RecordEvent(ctx, r.name, opType, len(record.Data), clusterTime, time.Since(start), true)

	r.mu.Lock()
	now := time.Now()
	r.state.EventsDelivered++
	r.state.ResumeToken = record.Token
	r.state.LastClusterTime = &clusterTime
	r.state.LastEventAt = &now
	r.mu.Unlock()
	return nil
}

func (r *Replicator) failed(ctx context.Context, span trace.Span, opType string, clusterTime, start time.Time, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.telemetry.RecordEvent(ctx, r.name, opType, 0, clusterTime, time.Since(start), false)
	return err
}

func (r *Replicator) setStatus(status config.StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Status = status
}

func (r *Replicator) finish(status config.StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	r.state.Status = status
	r.state.StoppedAt = &now
}

func (r *Replicator) syncStats() {
	stats := r.stream.Stats()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.EntriesRead = stats.EntriesRead
	r.state.EntriesFiltered = stats.EntriesFiltered
	r.state.EventsEmitted = stats.EventsEmitted
}

func (r *Replicator) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := err.Error()
	r.state.ErrorCount++
	r.state.LastError = &msg
}

// State returns a snapshot of the stream state
func (r *Replicator) State() models.StreamState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}
