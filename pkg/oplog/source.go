package oplog

import (
	"context"
	"io"
	"sync"
)

// Source yields oplog entries in log order. Next blocks until an entry is
// available, the context ends or the source is exhausted (io.EOF).
type Source interface {
	Next(ctx context.Context) (Entry, error)
	Close(ctx context.Context) error
}

// ReplicationCoordinator reports whether the server the stream reads from is
// a replica set member. Only replica set members keep an oplog.
type ReplicationCoordinator interface {
	IsReplicaSet() bool
}

// StaticCoordinator is a fixed answer, for tests and embedded use.
type StaticCoordinator bool

func (s StaticCoordinator) IsReplicaSet() bool { return bool(s) }

// SliceSource replays a fixed list of entries and then returns io.EOF.
type SliceSource struct {
	mu      sync.Mutex
	entries []Entry
	pos     int
	closed  bool
}

func NewSliceSource(entries ...Entry) *SliceSource {
	return &SliceSource{entries: entries}
}

func (s *SliceSource) Next(ctx context.Context) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrSourceClosed
	}
	if s.pos >= len(s.entries) {
		return Entry{}, io.EOF
	}
	entry := s.entries[s.pos]
	s.pos++
	return entry, nil
}

func (s *SliceSource) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
