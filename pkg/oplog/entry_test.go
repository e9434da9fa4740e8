package oplog

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestParseNamespace(t *testing.T) {
	tests := []struct {
		in       string
		expected Namespace
	}{
		{in: "db.coll", expected: Namespace{DB: "db", Coll: "coll"}},
		{in: "test.$cmd", expected: Namespace{DB: "test", Coll: "$cmd"}},
		{in: "db.system.indexes", expected: Namespace{DB: "db", Coll: "system.indexes"}},
		{in: "admin", expected: Namespace{DB: "admin"}},
		{in: "", expected: Namespace{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ns := ParseNamespace(tt.in)
			assert.Equal(t, tt.expected, ns)
			assert.Equal(t, tt.in, ns.String())
		})
	}
}

func TestNamespaceHelpers(t *testing.T) {
	ns := ParseNamespace("unittests.change_stream")

	assert.Equal(t, "unittests.$cmd", ns.CommandNS().String())
	assert.True(t, ns.CommandNS().IsCommand())
	assert.False(t, ns.IsCommand())
	assert.Equal(t, "unittests.system.indexes", ns.SystemIndexes().String())
	assert.True(t, ns.SystemIndexes().IsSystemIndexes())
	assert.False(t, ns.IsEmpty())
	assert.True(t, Namespace{}.IsEmpty())
}

func TestDecode(t *testing.T) {
	ts := primitive.Timestamp{T: 1510000000, I: 3}
	raw, err := bson.Marshal(bson.D{
		{Key: "ts", Value: ts},
		{Key: "t", Value: int64(1)},
		{Key: "h", Value: int64(0)},
		{Key: "v", Value: int32(2)},
		{Key: "op", Value: "u"},
		{Key: "ns", Value: "unittests.change_stream"},
		{Key: "o", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "y", Value: int32(1)}}}}},
		{Key: "o2", Value: bson.D{{Key: "_id", Value: int32(1)}}},
	})
	require.NoError(t, err)

	entry, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, ts, entry.Timestamp)
	assert.Equal(t, int64(1), entry.Term)
	assert.Equal(t, OpUpdate, entry.OpType)
	assert.Equal(t, Namespace{DB: "unittests", Coll: "change_stream"}, entry.Namespace)
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}}, entry.Object2)
	require.Len(t, entry.Object, 1)
	assert.Equal(t, "$set", entry.Object[0].Key)
}

func TestDecodeRejectsInvalidEntries(t *testing.T) {
	tests := []struct {
		name     string
		doc      bson.D
		expected error
	}{
		{
			name: "unknown_op",
			doc: bson.D{
				{Key: "ts", Value: primitive.Timestamp{T: 1}},
				{Key: "op", Value: "x"},
				{Key: "ns", Value: "db.coll"},
				{Key: "o", Value: bson.D{}},
			},
			expected: ErrUnknownOpType,
		},
		{
			name: "missing_object",
			doc: bson.D{
				{Key: "ts", Value: primitive.Timestamp{T: 1}},
				{Key: "op", Value: "i"},
				{Key: "ns", Value: "db.coll"},
			},
			expected: ErrMissingObject,
		},
		{
			name: "update_without_o2",
			doc: bson.D{
				{Key: "ts", Value: primitive.Timestamp{T: 1}},
				{Key: "op", Value: "u"},
				{Key: "ns", Value: "db.coll"},
				{Key: "o", Value: bson.D{{Key: "x", Value: 1}}},
			},
			expected: ErrMissingObject2,
		},
		{
			name: "insert_with_o2",
			doc: bson.D{
				{Key: "ts", Value: primitive.Timestamp{T: 1}},
				{Key: "op", Value: "i"},
				{Key: "ns", Value: "db.coll"},
				{Key: "o", Value: bson.D{{Key: "_id", Value: 1}}},
				{Key: "o2", Value: bson.D{{Key: "_id", Value: 1}}},
			},
			expected: ErrUnexpectedObject2,
		},
		{
			name: "namespace_not_a_string",
			doc: bson.D{
				{Key: "ts", Value: primitive.Timestamp{T: 1}},
				{Key: "op", Value: "i"},
				{Key: "ns", Value: 42},
				{Key: "o", Value: bson.D{{Key: "_id", Value: 1}}},
			},
			expected: ErrMalformedEntry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(tt.doc)
			require.NoError(t, err)

			_, err = Decode(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expected), "got %v", err)
		})
	}
}

func TestValidateAllowsLegacyDelete(t *testing.T) {
	entry := Entry{
		OpType:    OpDelete,
		Namespace: ParseNamespace("db.coll"),
		Object:    bson.D{{Key: "_id", Value: 1}},
	}
	assert.NoError(t, entry.Validate())
}

func TestEntryBefore(t *testing.T) {
	first := Entry{Timestamp: primitive.Timestamp{T: 10, I: 1}}
	second := Entry{Timestamp: primitive.Timestamp{T: 10, I: 2}}

	assert.True(t, first.Before(second))
	assert.False(t, second.Before(first))
	assert.False(t, first.Before(first))
}

func TestNamespaceBSONRoundTrip(t *testing.T) {
	entry := Entry{
		Timestamp: primitive.Timestamp{T: 5, I: 1},
		OpType:    OpInsert,
		Namespace: ParseNamespace("db.coll"),
		Object:    bson.D{{Key: "_id", Value: int32(1)}},
	}

	raw, err := bson.Marshal(entry)
	require.NoError(t, err)
	assert.Equal(t, "db.coll", bson.Raw(raw).Lookup("ns").StringValue())

	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, entry, decoded)
}

func TestSliceSource(t *testing.T) {
	ctx := context.Background()
	a := Entry{OpType: OpNoop, Object: bson.D{{Key: "msg", Value: "a"}}}
	b := Entry{OpType: OpNoop, Object: bson.D{{Key: "msg", Value: "b"}}}
	src := NewSliceSource(a, b)

	got, err := src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	got, err = src.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, src.Close(ctx))
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, ErrSourceClosed)
}

func TestSliceSourceHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewSliceSource(Entry{}).Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStaticCoordinator(t *testing.T) {
	var coord ReplicationCoordinator = StaticCoordinator(true)
	assert.True(t, coord.IsReplicaSet())
	assert.False(t, StaticCoordinator(false).IsReplicaSet())
}
