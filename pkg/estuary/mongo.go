package estuary

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cohenjo/changestream/pkg/auth"
	"github.com/cohenjo/changestream/pkg/config"
	"github.com/cohenjo/changestream/pkg/events"
)

type documentInserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// MongoEndpoint stores events as documents. An untransformed event keeps its
// resume token as _id, so a redelivered event is dropped as a duplicate.
type MongoEndpoint struct {
	client     *mongo.Client
	collection documentInserter
}

func NewMongoEndpoint(ctx context.Context, cfg config.TargetConfig) (*MongoEndpoint, error) {
	authConfig := &auth.MongoAuthConfig{
		ConnectionURI: cfg.URI,
		AppName:       "changestream-estuary",
	}
	if method, ok := cfg.Options["auth_method"].(string); ok {
		authConfig.AuthMethod = method
	}
	if tenantID, ok := cfg.Options["tenant_id"].(string); ok {
		authConfig.TenantID = tenantID
	}
	if clientID, ok := cfg.Options["client_id"].(string); ok {
		authConfig.ClientID = clientID
	}

	client, err := auth.NewMongoClientWithAuth(ctx, authConfig)
	if err != nil {
		return nil, NewConnectionError("mongodb", "connection failure", err)
	}

	return &MongoEndpoint{
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

func (std *MongoEndpoint) WriteEvent(ctx context.Context, record *events.RecordEvent) error {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(record.Data, false, &doc); err != nil {
		return NewEncodingError("mongodb", err)
	}

	result, err := std.collection.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			log.Debug().Str("token", record.Token).Msg("Event already stored")
			return nil
		}
		return NewWriteError("mongodb", "error while inserting document", err)
	}
	log.Debug().Interface("id", result.InsertedID).Msg("Inserted a single document")
	return nil
}

func (std *MongoEndpoint) Close() error {
	if std.client == nil {
		return nil
	}
	return std.client.Disconnect(context.Background())
}
