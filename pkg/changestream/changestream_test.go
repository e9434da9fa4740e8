package changestream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/cohenjo/changestream/pkg/events"
	"github.com/cohenjo/changestream/pkg/oplog"
)

var (
	watched = oplog.ParseNamespace("unittests.change_stream")
	testTS  = primitive.Timestamp{T: 42, I: 1}
)

func replicaSetContext() ExpressionContext {
	return ExpressionContext{Namespace: watched, Coordinator: oplog.StaticCoordinator(true)}
}

func mustRaw(t *testing.T, doc bson.D) bson.Raw {
	t.Helper()
	if doc == nil {
		doc = bson.D{}
	}
	raw, err := bson.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func crud(op oplog.OpType, obj, obj2 bson.D) oplog.Entry {
	return oplog.Entry{
		Timestamp: testTS,
		Term:      1,
		OpType:    op,
		Namespace: watched,
		Object:    obj,
		Object2:   obj2,
	}
}

func command(ns oplog.Namespace, obj bson.D) oplog.Entry {
	return oplog.Entry{
		Timestamp: testTS,
		Term:      1,
		OpType:    oplog.OpCommand,
		Namespace: ns,
		Object:    obj,
	}
}

func watchedNS() *events.Namespace {
	return &events.Namespace{DB: "unittests", Coll: "change_stream"}
}

func documentToken(id interface{}) events.ResumeToken {
	return events.ResumeToken{
		Timestamp:     testTS,
		Namespace:     watched.String(),
		DocumentID:    id,
		HasDocumentID: true,
	}
}

// transformAll runs entries through a stream built from stages and collects
// every event until the source is exhausted or the stream is invalidated.
func transformAll(t *testing.T, stages []Stage, entries ...oplog.Entry) []events.ChangeEvent {
	t.Helper()
	stream, err := NewStream(oplog.NewSliceSource(entries...), stages...)
	require.NoError(t, err)

	var out []events.ChangeEvent
	for {
		event, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamInvalidated) {
			return out
		}
		require.NoError(t, err)
		out = append(out, event)
	}
}

func defaultStages(t *testing.T) []Stage {
	t.Helper()
	stages, err := Build(mustRaw(t, bson.D{}), replicaSetContext())
	require.NoError(t, err)
	return stages
}

func TestParseOptionsErrors(t *testing.T) {
	tests := []struct {
		name string
		spec bson.D
		kind error
		code int
	}{
		{
			name: "unrecognized_option",
			spec: bson.D{{Key: "unexpected", Value: 4}},
			kind: ErrInvalidOption,
			code: 40415,
		},
		{
			name: "non_string_full_document",
			spec: bson.D{{Key: "fullDocument", Value: true}},
			kind: ErrTypeMismatch,
			code: 14,
		},
		{
			name: "unrecognized_full_document",
			spec: bson.D{{Key: "fullDocument", Value: "unrecognized"}},
			kind: ErrInvalidOption,
			code: 40575,
		},
		{
			name: "unknown_after_valid",
			spec: bson.D{{Key: "fullDocument", Value: "default"}, {Key: "resumeAfter", Value: bson.D{}}},
			kind: ErrInvalidOption,
			code: 40415,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptionsD(tt.spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.code, ErrorCode(err))

			_, err = Build(mustRaw(t, tt.spec), replicaSetContext())
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.code, ErrorCode(err))
		})
	}
}

func TestParseOptionsAccepted(t *testing.T) {
	tests := []struct {
		name     string
		spec     bson.D
		expected FullDocumentMode
	}{
		{name: "empty", spec: bson.D{}, expected: FullDocumentDefault},
		{name: "nil", spec: nil, expected: FullDocumentDefault},
		{name: "default", spec: bson.D{{Key: "fullDocument", Value: "default"}}, expected: FullDocumentDefault},
		{name: "update_lookup", spec: bson.D{{Key: "fullDocument", Value: "updateLookup"}}, expected: FullDocumentUpdateLookup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := ParseOptionsD(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, opts.FullDocument)
		})
	}
}

func TestBuildFailsWithoutReplication(t *testing.T) {
	tests := []struct {
		name  string
		coord oplog.ReplicationCoordinator
	}{
		{name: "no_coordinator", coord: nil},
		{name: "standalone", coord: oplog.StaticCoordinator(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ectx := ExpressionContext{Namespace: watched, Coordinator: tt.coord}

			stages, err := Build(mustRaw(t, bson.D{}), ectx)
			require.Error(t, err)
			assert.Nil(t, stages)
			assert.ErrorIs(t, err, ErrIllegalOperation)
			assert.Equal(t, CodeNoReplicationCoordinator, ErrorCode(err))

			// The gate runs before option validation.
			_, err = Build(mustRaw(t, bson.D{{Key: "bogus", Value: 1}}), ectx)
			assert.ErrorIs(t, err, ErrIllegalOperation)
		})
	}
}

func TestStagesGeneratedCorrectly(t *testing.T) {
	stages := defaultStages(t)
	require.Len(t, stages, 2)

	filter, ok := stages[0].(*Filter)
	require.True(t, ok)
	_, ok = stages[1].(*Transformer)
	require.True(t, ok)

	assert.Equal(t, StageName, stages[0].Name())
	assert.Equal(t, StageName, stages[1].Name())
	assert.Equal(t, watched, filter.Namespace())
}

func TestTransformInsert(t *testing.T) {
	entry := crud(oplog.OpInsert, bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: 1}}, nil)

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "ts", Value: testTS}, {Key: "ns", Value: "unittests.change_stream"}, {Key: "_id", Value: 1}}},
		{Key: "operationType", Value: "insert"},
		{Key: "fullDocument", Value: bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: 1}}},
		{Key: "ns", Value: bson.D{{Key: "db", Value: "unittests"}, {Key: "coll", Value: "change_stream"}}},
		{Key: "documentKey", Value: bson.D{{Key: "_id", Value: 1}}},
	}, out[0].Document())
}

func TestTransformUpdateFields(t *testing.T) {
	entry := crud(oplog.OpUpdate,
		bson.D{{Key: "$set", Value: bson.D{{Key: "y", Value: 1}}}},
		bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: 2}})

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, events.ChangeEvent{
		ID:            documentToken(1),
		OperationType: events.OperationUpdate,
		Namespace:     watchedNS(),
		DocumentKey:   bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: 2}},
		UpdateDescription: &events.UpdateDescription{
			UpdatedFields: bson.D{{Key: "y", Value: 1}},
			RemovedFields: []string{},
		},
	}, out[0])
	assert.Nil(t, out[0].Document()[2].Value)
}

func TestTransformRemoveFields(t *testing.T) {
	entry := crud(oplog.OpUpdate,
		bson.D{{Key: "$unset", Value: bson.D{{Key: "y", Value: 1}}}},
		bson.D{{Key: "_id", Value: 1}})

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, events.OperationUpdate, out[0].OperationType)
	assert.Equal(t, bson.D{
		{Key: "updatedFields", Value: bson.D{}},
		{Key: "removedFields", Value: bson.A{"y"}},
	}, out[0].UpdateDescription.Document())
}

func TestTransformUpdateDescriptionOrder(t *testing.T) {
	entry := crud(oplog.OpUpdate,
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "b", Value: 2}, {Key: "a", Value: 1}}},
			{Key: "$inc", Value: bson.D{{Key: "n", Value: 1}}},
			{Key: "$unset", Value: bson.D{{Key: "z", Value: 1}, {Key: "c", Value: 1}}},
		},
		bson.D{{Key: "_id", Value: 1}})

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, bson.D{{Key: "b", Value: 2}, {Key: "a", Value: 1}}, out[0].UpdateDescription.UpdatedFields)
	assert.Equal(t, []string{"z", "c"}, out[0].UpdateDescription.RemovedFields)
}

func TestTransformReplace(t *testing.T) {
	entry := crud(oplog.OpUpdate,
		bson.D{{Key: "_id", Value: 1}, {Key: "y", Value: 1}},
		bson.D{{Key: "_id", Value: 1}})

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, events.ChangeEvent{
		ID:            documentToken(1),
		OperationType: events.OperationReplace,
		FullDocument:  bson.D{{Key: "_id", Value: 1}, {Key: "y", Value: 1}},
		Namespace:     watchedNS(),
		DocumentKey:   bson.D{{Key: "_id", Value: 1}},
	}, out[0])
}

func TestTransformDelete(t *testing.T) {
	tests := []struct {
		name  string
		entry oplog.Entry
	}{
		{name: "key_in_o2", entry: crud(oplog.OpDelete, bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "_id", Value: 1}})},
		{name: "legacy_key_in_o", entry: crud(oplog.OpDelete, bson.D{{Key: "_id", Value: 1}}, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := transformAll(t, defaultStages(t), tt.entry)
			require.Len(t, out, 1)
			assert.Equal(t, events.ChangeEvent{
				ID:            documentToken(1),
				OperationType: events.OperationDelete,
				Namespace:     watchedNS(),
				DocumentKey:   bson.D{{Key: "_id", Value: 1}},
			}, out[0])
		})
	}
}

func TestTransformInvalidate(t *testing.T) {
	otherColl := oplog.ParseNamespace("test.bar")
	expected := bson.D{
		{Key: "_id", Value: bson.D{{Key: "ts", Value: testTS}, {Key: "ns", Value: "unittests.$cmd"}}},
		{Key: "operationType", Value: "invalidate"},
		{Key: "fullDocument", Value: nil},
	}

	tests := []struct {
		name  string
		entry oplog.Entry
	}{
		{name: "drop", entry: command(watched.CommandNS(), bson.D{{Key: "drop", Value: watched.Coll}})},
		{name: "drop_database", entry: command(watched.CommandNS(), bson.D{{Key: "dropDatabase", Value: 1}})},
		{name: "rename", entry: command(watched.CommandNS(), bson.D{
			{Key: "renameCollection", Value: watched.String()},
			{Key: "to", Value: otherColl.String()},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := transformAll(t, defaultStages(t), tt.entry)
			require.Len(t, out, 1)
			assert.Equal(t, expected, out[0].Document())
			assert.Nil(t, out[0].Namespace)
			assert.Nil(t, out[0].DocumentKey)
		})
	}
}

func TestTransformInvalidateRenameDropTarget(t *testing.T) {
	otherColl := oplog.ParseNamespace("test.bar")
	entry := command(otherColl.CommandNS(), bson.D{
		{Key: "renameCollection", Value: otherColl.String()},
		{Key: "to", Value: watched.String()},
		{Key: "dropTarget", Value: true},
	})

	out := transformAll(t, defaultStages(t), entry)
	require.Len(t, out, 1)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: bson.D{{Key: "ts", Value: testTS}, {Key: "ns", Value: "test.$cmd"}}},
		{Key: "operationType", Value: "invalidate"},
		{Key: "fullDocument", Value: nil},
	}, out[0].Document())
}

func TestNoEventsAfterInvalidate(t *testing.T) {
	stream, err := NewStream(oplog.NewSliceSource(
		crud(oplog.OpInsert, bson.D{{Key: "_id", Value: 1}}, nil),
		command(watched.CommandNS(), bson.D{{Key: "drop", Value: watched.Coll}}),
		crud(oplog.OpInsert, bson.D{{Key: "_id", Value: 2}}, nil),
	), defaultStages(t)...)
	require.NoError(t, err)
	ctx := context.Background()

	event, err := stream.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, events.OperationInsert, event.OperationType)

	event, err = stream.Next(ctx)
	require.NoError(t, err)
	assert.True(t, event.IsInvalidate())
	assert.True(t, stream.Invalidated())

	for i := 0; i < 3; i++ {
		_, err = stream.Next(ctx)
		assert.ErrorIs(t, err, ErrStreamInvalidated)
	}
	assert.Equal(t, uint64(2), stream.Stats().EventsEmitted)
}

func TestMatchFiltersIrrelevantEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry oplog.Entry
	}{
		{
			name: "create_collection",
			entry: command(watched.CommandNS(), bson.D{
				{Key: "create", Value: "foo"},
				{Key: "idIndex", Value: bson.D{
					{Key: "v", Value: 2},
					{Key: "key", Value: bson.D{{Key: "_id", Value: 1}}},
					{Key: "name", Value: "_id_"},
					{Key: "ns", Value: watched.String()},
				}},
			}),
		},
		{
			name: "no_op",
			entry: oplog.Entry{
				Timestamp: testTS,
				OpType:    oplog.OpNoop,
				Object:    bson.D{{Key: "msg", Value: "new primary"}},
			},
		},
		{
			name: "create_index",
			entry: oplog.Entry{
				Timestamp: testTS,
				OpType:    oplog.OpInsert,
				Namespace: watched.SystemIndexes(),
				Object: bson.D{
					{Key: "v", Value: 2},
					{Key: "key", Value: bson.D{{Key: "a", Value: 1}}},
					{Key: "name", Value: "a_1"},
					{Key: "ns", Value: watched.String()},
				},
			},
		},
		{name: "other_collection", entry: oplog.Entry{
			Timestamp: testTS,
			OpType:    oplog.OpInsert,
			Namespace: oplog.ParseNamespace("unittests.other"),
			Object:    bson.D{{Key: "_id", Value: 1}},
		}},
		{name: "drop_other_collection", entry: command(watched.CommandNS(), bson.D{{Key: "drop", Value: "other"}})},
		{name: "drop_other_database", entry: command(oplog.ParseNamespace("other.$cmd"), bson.D{{Key: "dropDatabase", Value: 1}})},
		{name: "rename_unrelated", entry: command(oplog.ParseNamespace("test.$cmd"), bson.D{
			{Key: "renameCollection", Value: "test.a"},
			{Key: "to", Value: "test.b"},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, IsRelevant(tt.entry, watched))
			assert.Empty(t, transformAll(t, defaultStages(t), tt.entry))
		})
	}
}

func TestTransformPanicsOnFilterMismatch(t *testing.T) {
	transformer := NewTransformer(DefaultOptions())
	entry := command(watched.CommandNS(), bson.D{{Key: "create", Value: "foo"}})

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrFilterMismatch)
	}()
	transformer.Transform(entry)
}

func TestSerializeRoundTrip(t *testing.T) {
	specs := []bson.D{
		{},
		{{Key: "fullDocument", Value: "default"}},
		{{Key: "fullDocument", Value: "updateLookup"}},
	}
	entries := []oplog.Entry{
		crud(oplog.OpInsert, bson.D{{Key: "_id", Value: 1}, {Key: "x", Value: 1}}, nil),
		{Timestamp: testTS, OpType: oplog.OpNoop, Object: bson.D{{Key: "msg", Value: "new primary"}}},
		crud(oplog.OpUpdate, bson.D{{Key: "$set", Value: bson.D{{Key: "y", Value: 1}}}}, bson.D{{Key: "_id", Value: 1}}),
		crud(oplog.OpUpdate, bson.D{{Key: "_id", Value: 1}, {Key: "y", Value: 2}}, bson.D{{Key: "_id", Value: 1}}),
		crud(oplog.OpDelete, bson.D{{Key: "_id", Value: 1}}, nil),
		command(watched.CommandNS(), bson.D{{Key: "dropDatabase", Value: 1}}),
	}

	for _, spec := range specs {
		original := bson.D{{Key: StageName, Value: spec}}
		stages, err := Parse(mustRaw(t, original), replicaSetContext())
		require.NoError(t, err)

		serialized := SerializePipeline(stages)
		require.Len(t, serialized, 1)
		assert.Equal(t, mustRaw(t, original), mustRaw(t, serialized[0]))
		assert.Equal(t, Serialize(stages[0]), Serialize(stages[1]))

		reparsed, err := Parse(mustRaw(t, serialized[0]), replicaSetContext())
		require.NoError(t, err)
		assert.Equal(t, serialized, SerializePipeline(reparsed))
		assert.Equal(t, transformAll(t, stages, entries...), transformAll(t, reparsed, entries...))
	}
}

func TestParseRejectsMalformedStage(t *testing.T) {
	tests := []struct {
		name string
		doc  bson.D
	}{
		{name: "wrong_name", doc: bson.D{{Key: "$match", Value: bson.D{}}}},
		{name: "not_a_document", doc: bson.D{{Key: StageName, Value: "x"}}},
		{name: "two_fields", doc: bson.D{{Key: StageName, Value: bson.D{}}, {Key: "extra", Value: 1}}},
		{name: "empty", doc: bson.D{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(mustRaw(t, tt.doc), replicaSetContext())
			assert.ErrorIs(t, err, ErrFailedToParse)
			assert.Equal(t, CodeFailedToParse, ErrorCode(err))
		})
	}
}

func TestMatchExpressionShape(t *testing.T) {
	filter := NewFilter(watched, DefaultOptions())
	expr := filter.MatchExpression()

	require.Len(t, expr, 1)
	assert.Equal(t, "$or", expr[0].Key)
	branches, ok := expr[0].Value.(bson.A)
	require.True(t, ok)
	assert.Len(t, branches, 5)

	raw := mustRaw(t, expr)
	assert.Equal(t, "unittests.change_stream", raw.Lookup("$or", "0", "ns").StringValue())
	assert.Equal(t, "unittests.$cmd", raw.Lookup("$or", "1", "ns").StringValue())
	assert.Equal(t, "change_stream", raw.Lookup("$or", "1", "o.drop").StringValue())
}

func TestNewStreamRequiresBothStages(t *testing.T) {
	stages := defaultStages(t)
	_, err := NewStream(oplog.NewSliceSource(), stages[0])
	assert.Error(t, err)
}

func TestStreamStats(t *testing.T) {
	out := []oplog.Entry{
		{Timestamp: testTS, OpType: oplog.OpNoop, Object: bson.D{{Key: "msg", Value: "x"}}},
		crud(oplog.OpInsert, bson.D{{Key: "_id", Value: 1}}, nil),
	}
	stream, err := NewStream(oplog.NewSliceSource(out...), defaultStages(t)...)
	require.NoError(t, err)

	_, err = stream.Next(context.Background())
	require.NoError(t, err)
	_, err = stream.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, Stats{EntriesRead: 2, EntriesFiltered: 1, EventsEmitted: 1}, stream.Stats())
}
