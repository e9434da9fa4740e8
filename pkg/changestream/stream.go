package changestream

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/cohenjo/changestream/pkg/events"
	"github.com/cohenjo/changestream/pkg/oplog"
)

var errIncompleteStages = errors.New("a change stream needs both the filter and the transformer stage")

// Stats counts what a Stream has seen so far.
type Stats struct {
	EntriesRead     uint64
	EntriesFiltered uint64
	EventsEmitted   uint64
}

/*
Stream pulls entries from a Source and returns change events one at a time.
After the invalidate event every call returns ErrStreamInvalidated. A Stream
has a single consumer and does no locking.
*/
type Stream struct {
	source      oplog.Source
	filter      *Filter
	transformer *Transformer
	invalidated bool
	stats       Stats
}

// NewStream wires a source to the stages returned by Build or Parse.
func NewStream(source oplog.Source, stages ...Stage) (*Stream, error) {
	s := &Stream{source: source}
	for _, stage := range stages {
		switch st := stage.(type) {
		case *Filter:
			s.filter = st
		case *Transformer:
			s.transformer = st
		}
	}
	if s.filter == nil || s.transformer == nil {
		return nil, errIncompleteStages
	}
	return s, nil
}

// Next returns the next change event. Errors from the source, io.EOF
// included, are returned unchanged.
func (s *Stream) Next(ctx context.Context) (events.ChangeEvent, error) {
	if s.invalidated {
		return events.ChangeEvent{}, ErrStreamInvalidated
	}
	for {
		entry, err := s.source.Next(ctx)
		if err != nil {
			return events.ChangeEvent{}, err
		}
		s.stats.EntriesRead++

		if !s.filter.IsRelevant(entry) {
			s.stats.EntriesFiltered++
			continue
		}

		event := s.transformer.Transform(entry)
		s.stats.EventsEmitted++
		if event.IsInvalidate() {
			s.invalidated = true
			log.Info().
				Str("ns", s.filter.Namespace().String()).
				Str("command", commandName(entry.Object)).
				Msg("Change stream invalidated")
		}
		return event, nil
	}
}

func (s *Stream) Invalidated() bool {
	return s.invalidated
}

func (s *Stream) Stats() Stats {
	return s.stats
}

// Filter exposes the filter half, e.g. for its MatchExpression.
func (s *Stream) Filter() *Filter {
	return s.filter
}

func (s *Stream) Close(ctx context.Context) error {
	return s.source.Close(ctx)
}
