package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cohenjo/changestream/pkg/changestream"
)

var (
	entriesRead = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_oplog_entries_read_total",
		Help: "The total number of oplog entries read",
	}, []string{"stream"})
	entriesFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_oplog_entries_filtered_total",
		Help: "The total number of oplog entries dropped by the relevance filter",
	}, []string{"stream"})
	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_events_emitted_total",
		Help: "The total number of change events emitted",
	}, []string{"stream", "operation_type"})
	invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "changestream_invalidations_total",
		Help: "The total number of streams ended by an invalidate event",
	}, []string{"stream"})
)

// StreamCounters turns the running totals of a changestream.Stream into
// counter increments.
type StreamCounters struct {
	stream string
	last   changestream.Stats
}

func NewStreamCounters(stream string) *StreamCounters {
	return &StreamCounters{stream: stream}
}

// Observe adds the growth since the previous call.
func (sc *StreamCounters) Observe(stats changestream.Stats) {
	if d := stats.EntriesRead - sc.last.EntriesRead; d > 0 {
		entriesRead.WithLabelValues(sc.stream).Add(float64(d))
	}
	if d := stats.EntriesFiltered - sc.last.EntriesFiltered; d > 0 {
		entriesFiltered.WithLabelValues(sc.stream).Add(float64(d))
	}
	sc.last = stats
}

func (sc *StreamCounters) Event(operationType string) {
	eventsEmitted.WithLabelValues(sc.stream, operationType).Inc()
}

func (sc *StreamCounters) Invalidated() {
	invalidations.WithLabelValues(sc.stream).Inc()
}
