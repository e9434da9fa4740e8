package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	oplogDatabase   = "local"
	oplogCollection = "oplog.rs"

	defaultMaxAwaitTime = 2 * time.Second
	defaultBatchSize    = 256
)

// MongoSourceOptions configures how the oplog is tailed.
type MongoSourceOptions struct {
	// Name labels log lines, usually the stream name.
	Name string
	// Filter narrows the server-side tail. Entries outside it are never read.
	Filter bson.D
	// StartAfter tails entries strictly after this timestamp. When zero the
	// tail starts after the newest entry present at connect time.
	StartAfter   primitive.Timestamp
	MaxAwaitTime time.Duration
	BatchSize    int32
}

// MongoSource tails local.oplog.rs with a tailable await cursor. It also acts
// as the ReplicationCoordinator for the server it is connected to.
type MongoSource struct {
	client     *mongo.Client
	collection *mongo.Collection
	opts       MongoSourceOptions

	mu         sync.Mutex
	cursor     *mongo.Cursor
	lastTS     primitive.Timestamp
	replicaSet bool
	setName    string
	closed     bool
}

type helloResult struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// NewMongoSource probes the server with hello and prepares the oplog tail.
// The cursor is opened lazily by the first Next call.
func NewMongoSource(ctx context.Context, client *mongo.Client, opts MongoSourceOptions) (*MongoSource, error) {
	if opts.MaxAwaitTime <= 0 {
		opts.MaxAwaitTime = defaultMaxAwaitTime
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	s := &MongoSource{
		client:     client,
		collection: client.Database(oplogDatabase).Collection(oplogCollection),
		opts:       opts,
		lastTS:     opts.StartAfter,
	}

	var hello helloResult
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return nil, fmt.Errorf("failed to run hello: %w", err)
	}
	s.setName = hello.SetName
	s.replicaSet = hello.SetName != "" || hello.Msg == "isdbgrid"

	log.Info().
		Str("stream", opts.Name).
		Str("set_name", s.setName).
		Bool("replica_set", s.replicaSet).
		Msg("Probed oplog source")
	return s, nil
}

// IsReplicaSet reports the result of the hello probe.
func (s *MongoSource) IsReplicaSet() bool {
	return s.replicaSet
}

// SetName is the replica set name returned by hello, empty for standalone servers.
func (s *MongoSource) SetName() string {
	return s.setName
}

// LastTimestamp is the timestamp of the last entry returned by Next.
func (s *MongoSource) LastTimestamp() primitive.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTS
}

func (s *MongoSource) Next(ctx context.Context) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return Entry{}, ErrSourceClosed
		}
		if s.cursor == nil {
			if err := s.open(ctx); err != nil {
				return Entry{}, err
			}
		}

		if s.cursor.Next(ctx) {
			entry, err := Decode(s.cursor.Current)
			if err != nil {
				log.Warn().Err(err).Str("stream", s.opts.Name).Msg("Skipping undecodable oplog entry")
				continue
			}
			s.lastTS = entry.Timestamp
			return entry, nil
		}

		if err := ctx.Err(); err != nil {
			return Entry{}, err
		}
		err := s.cursor.Err()
		dead := s.cursor.ID() == 0
		if err != nil || dead {
			_ = s.cursor.Close(context.Background())
			s.cursor = nil
		}
		if err != nil {
			return Entry{}, fmt.Errorf("oplog cursor failed: %w", err)
		}
		if dead {
			log.Debug().Str("stream", s.opts.Name).Msg("Oplog cursor exhausted, reopening")
		}
	}
}

func (s *MongoSource) open(ctx context.Context) error {
	if s.lastTS.IsZero() {
		ts, err := s.newestTimestamp(ctx)
		if err != nil {
			return err
		}
		s.lastTS = ts
	}

	filter := bson.D{{Key: "ts", Value: bson.D{{Key: "$gt", Value: s.lastTS}}}}
	if len(s.opts.Filter) > 0 {
		filter = bson.D{{Key: "$and", Value: bson.A{filter, s.opts.Filter}}}
	}

	findOpts := options.Find().
		SetCursorType(options.TailableAwait).
		SetMaxAwaitTime(s.opts.MaxAwaitTime).
		SetBatchSize(s.opts.BatchSize).
		SetNoCursorTimeout(true)

	cursor, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return fmt.Errorf("failed to open oplog cursor: %w", err)
	}
	s.cursor = cursor

	log.Info().
		Str("stream", s.opts.Name).
		Uint32("after_t", s.lastTS.T).
		Uint32("after_i", s.lastTS.I).
		Msg("Tailing oplog")
	return nil
}

func (s *MongoSource) newestTimestamp(ctx context.Context) (primitive.Timestamp, error) {
	var newest struct {
		Timestamp primitive.Timestamp `bson:"ts"`
	}
	findOpts := options.FindOne().
		SetSort(bson.D{{Key: "$natural", Value: -1}}).
		SetProjection(bson.D{{Key: "ts", Value: 1}})
	err := s.collection.FindOne(ctx, bson.D{}, findOpts).Decode(&newest)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return primitive.Timestamp{}, nil
	}
	if err != nil {
		return primitive.Timestamp{}, fmt.Errorf("failed to read newest oplog entry: %w", err)
	}
	return newest.Timestamp, nil
}

// Close stops the tail. Cancel the context of a pending Next first, Next holds
// the source while it waits. The client is owned by the caller and left connected.
func (s *MongoSource) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cursor == nil {
		return nil
	}
	err := s.cursor.Close(ctx)
	s.cursor = nil
	return err
}
