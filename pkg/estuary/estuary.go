package estuary

// estuary means "mouth of river"
// Noun, the tidal mouth of a large river, where the tide meets the stream

// we will have here implementations to write a change event to an output server as defined in the configuration.

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/pquerna/ffjson/ffjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

// Endpoint delivers change events to one destination.
type Endpoint interface {
	WriteEvent(ctx context.Context, record *events.RecordEvent) error
	Close() error
}

var (
	recordsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_sent_records_total",
		Help: "The total number of records sent",
	}, []string{"target"})
	recordsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_failed_records_total",
		Help: "The total number of records an endpoint failed to write",
	}, []string{"target"})
)

// NewEndpoint connects the endpoint described by cfg.
func NewEndpoint(ctx context.Context, cfg config.TargetConfig) (Endpoint, error) {
	switch cfg.Type {
	case config.TargetTypeStdout:
		return NewStdoutEndpoint(os.Stdout), nil
	case config.TargetTypeKafka:
		return NewKafkaEndpoint(cfg)
	case config.TargetTypeElastic:
		return NewElasticEndpoint(cfg)
	case config.TargetTypeMongoDB:
		return NewMongoEndpoint(ctx, cfg)
	case config.TargetTypeMySQL:
		return NewMySQLEndpoint(cfg)
	case config.TargetTypeCosmosDB:
		return NewCosmosEndpoint(cfg)
	}
	return nil, ErrUnsupportedTarget
}

type namedEndpoint struct {
	target   string
	endpoint Endpoint
}

// EndpointManagment fans every record out to all registered endpoints.
type EndpointManagment struct {
	mu        sync.RWMutex
	endpoints []namedEndpoint
}

func NewEndpointManager() *EndpointManagment {
	return &EndpointManagment{}
}

func (em *EndpointManagment) RegisterEndpoint(target string, endpoint Endpoint) {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.endpoints = append(em.endpoints, namedEndpoint{target: target, endpoint: endpoint})
}

// Len returns the number of registered endpoints
func (em *EndpointManagment) Len() int {
	em.mu.RLock()
	defer em.mu.RUnlock()
	return len(em.endpoints)
}

// PublishEvent writes record to every endpoint. A failing endpoint does not
// keep the record from the others; all failures are returned joined.
func (em *EndpointManagment) PublishEvent(ctx context.Context, record *events.RecordEvent) error {
	em.mu.RLock()
	defer em.mu.RUnlock()

	var errs []error
	for _, ne := range em.endpoints {
		if err := ne.endpoint.WriteEvent(ctx, record); err != nil {
			recordsFailed.WithLabelValues(ne.target).Inc()
			log.Error().Err(err).Str("target", ne.target).Str("token", record.Token).Msg("Failed to send event")
			errs = append(errs, err)
			continue
		}
		recordsSent.WithLabelValues(ne.target).Inc()
	}
	return errors.Join(errs...)
}

// Close closes every endpoint and forgets them.
func (em *EndpointManagment) Close() error {
	em.mu.Lock()
	defer em.mu.Unlock()

	var errs []error
	for _, ne := range em.endpoints {
		if err := ne.endpoint.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	em.endpoints = nil
	return errors.Join(errs...)
}

// envelope is the JSON shape endpoints without a native event model receive.
// Data is embedded as-is since it is already JSON.
type envelope struct {
	Token         string          `json:"token"`
	OperationType string          `json:"operationType"`
	Database      string          `json:"db"`
	Collection    string          `json:"coll"`
	DocumentKey   json.RawMessage `json:"documentKey,omitempty"`
	Event         json.RawMessage `json:"event"`
}

func newEnvelope(record *events.RecordEvent) envelope {
	return envelope{
		Token:         record.Token,
		OperationType: record.Action,
		Database:      record.Schema,
		Collection:    record.Collection,
		DocumentKey:   json.RawMessage(record.Key),
		Event:         json.RawMessage(record.Data),
	}
}

func marshalEnvelope(record *events.RecordEvent) ([]byte, error) {
	return ffjson.Marshal(newEnvelope(record))
}

type StdoutEndpoint struct {
	logger zerolog.Logger
}

func NewStdoutEndpoint(w io.Writer) *StdoutEndpoint {
	return &StdoutEndpoint{logger: zerolog.New(w).With().Timestamp().Logger()}
}

func (std *StdoutEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	std.logger.Info().
		Str("operationType", record.Action).
		Str("ns", record.Schema+"."+record.Collection).
		RawJSON("event", record.Data).
		Msg("record")
	return nil
}

func (std *StdoutEndpoint) Close() error {
	return nil
}
