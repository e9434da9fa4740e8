package replicator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cohenjo/changestream/pkg/auth"
	"github.com/cohenjo/changestream/pkg/changestream"
	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/estuary"
	"github.com/cohenjo/changestream/pkg/oplog"
)

// SourceFactory opens the oplog source of a stream together with the
// coordinator that answers the replica set precondition.
type SourceFactory func(ctx context.Context, cfg config.StreamConfig) (oplog.Source, oplog.ReplicationCoordinator, error)

// EndpointFactory connects one estuary target.
type EndpointFactory func(ctx context.Context, cfg config.TargetConfig) (estuary.Endpoint, error)

// mongoOplogSource owns the client its tail runs on.
type mongoOplogSource struct {
	*oplog.MongoSource
	client *mongo.Client
}

func (s *mongoOplogSource) Close(ctx context.Context) error {
	err := s.MongoSource.Close(ctx)
	if disconnectErr := s.client.Disconnect(ctx); err == nil {
		err = disconnectErr
	}
	return err
}

// MongoSourceFactory tails the oplog of the replica set in the source config.
// The relevance filter is pushed down to the server as the tail filter.
func MongoSourceFactory(ctx context.Context, cfg config.StreamConfig) (oplog.Source, oplog.ReplicationCoordinator, error) {
	client, err := auth.NewMongoClientWithAuth(ctx, &auth.MongoAuthConfig{
		ConnectionURI: cfg.Source.URI,
		AuthMethod:    cfg.Source.AuthMethod,
		TenantID:      cfg.Source.TenantID,
		ClientID:      cfg.Source.ClientID,
		Scopes:        cfg.Source.Scopes,
		AppName:       "changestream",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect oplog source: %w", err)
	}

	ns := oplog.Namespace{DB: cfg.Source.Database, Coll: cfg.Source.Collection}
	source, err := oplog.NewMongoSource(ctx, client, oplog.MongoSourceOptions{
		Name:         cfg.Name,
		Filter:       changestream.NewFilter(ns, changestream.DefaultOptions()).MatchExpression(),
		MaxAwaitTime: cfg.Source.MaxAwaitTime,
		BatchSize:    cfg.Source.BatchSize,
	})
	if err != nil {
		client.Disconnect(ctx)
		return nil, nil, err
	}

	log.Info().
		Str("stream", cfg.Name).
		Str("set_name", source.SetName()).
		Str("ns", ns.String()).
		Msg("Tailing oplog")

	wrapped := &mongoOplogSource{MongoSource: source, client: client}
	return wrapped, source, nil
}
