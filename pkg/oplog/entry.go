package oplog

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OpType is the single-letter operation code of an oplog entry.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

func (o OpType) IsValid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete, OpCommand, OpNoop:
		return true
	}
	return false
}

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommand:
		return "command"
	case OpNoop:
		return "noop"
	}
	return fmt.Sprintf("unknown(%q)", string(o))
}

/*
Entry is one record of the replicated operation log.

Object holds the inserted document, the update modifier or replacement, the
deleted key (legacy shape) or the command document. Object2 holds the target
document key for updates and deletes.
*/
type Entry struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      int64               `bson:"t,omitempty"`
	OpType    OpType              `bson:"op"`
	Namespace Namespace           `bson:"ns"`
	Object    bson.D              `bson:"o"`
	Object2   bson.D              `bson:"o2,omitempty"`
}

// Validate checks the shape invariants of an entry. Deletes may omit o2 and
// carry the key in o. No-op entries may carry an o2 marker which is ignored.
func (e Entry) Validate() error {
	if !e.OpType.IsValid() {
		return fmt.Errorf("%w: %q", ErrUnknownOpType, string(e.OpType))
	}
	if e.Object == nil {
		return fmt.Errorf("%w: %s on %s", ErrMissingObject, e.OpType, e.Namespace)
	}
	switch e.OpType {
	case OpUpdate:
		if e.Object2 == nil {
			return fmt.Errorf("%w: %s", ErrMissingObject2, e.Namespace)
		}
	case OpInsert, OpCommand:
		if e.Object2 != nil {
			return fmt.Errorf("%w: %s on %s", ErrUnexpectedObject2, e.OpType, e.Namespace)
		}
	}
	return nil
}

// Before reports whether e was logged strictly before other.
func (e Entry) Before(other Entry) bool {
	return primitive.CompareTimestamp(e.Timestamp, other.Timestamp) < 0
}

// Decode parses a raw oplog document and validates it.
func Decode(raw bson.Raw) (Entry, error) {
	var entry Entry
	if err := bson.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if err := entry.Validate(); err != nil {
		return Entry{}, err
	}
	return entry, nil
}
