package changestream

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cohenjo/changestream/pkg/events"
	"github.com/cohenjo/changestream/pkg/oplog"
)

// Transformer is the second half of the stage. It turns an entry admitted by
// the Filter into exactly one change event.
type Transformer struct {
	opts Options
}

func NewTransformer(opts Options) *Transformer {
	return &Transformer{opts: opts}
}

func (t *Transformer) Name() string { return StageName }

func (t *Transformer) Options() Options { return t.opts }

// Transform panics with ErrFilterMismatch when entry has no change event
// shape. The Filter never admits such entries.
func (t *Transformer) Transform(entry oplog.Entry) events.ChangeEvent {
	s, err := classify(entry)
	if err != nil {
		panic(err)
	}
	return s.event(entry)
}

// shape is the closed set of entry kinds that produce a change event. Each
// kind renders its own event, a new kind cannot compile without one.
type shape interface {
	event(entry oplog.Entry) events.ChangeEvent
}

type insertShape struct {
	doc bson.D
}

type updateShape struct {
	key  bson.D
	desc events.UpdateDescription
}

type replaceShape struct {
	key bson.D
	doc bson.D
}

type deleteShape struct {
	key bson.D
}

type invalidateShape struct{}

func classify(entry oplog.Entry) (shape, error) {
	switch entry.OpType {
	case oplog.OpInsert:
		return insertShape{doc: entry.Object}, nil
	case oplog.OpUpdate:
		if isModifier(entry.Object) {
			return updateShape{key: entry.Object2, desc: describeUpdate(entry.Object)}, nil
		}
		return replaceShape{key: entry.Object2, doc: entry.Object}, nil
	case oplog.OpDelete:
		// Older servers log the deleted key in o and leave o2 unset.
		key := entry.Object2
		if key == nil {
			key = entry.Object
		}
		return deleteShape{key: key}, nil
	case oplog.OpCommand:
		switch commandName(entry.Object) {
		case commandDrop, commandDropDatabase, commandRename:
			return invalidateShape{}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrFilterMismatch, entry.OpType, entry.Namespace)
}

func (s insertShape) event(entry oplog.Entry) events.ChangeEvent {
	key := documentKey(s.doc)
	return events.ChangeEvent{
		ID:            resumeToken(entry, key),
		OperationType: events.OperationInsert,
		FullDocument:  s.doc,
		Namespace:     eventNamespace(entry),
		DocumentKey:   key,
	}
}

func (s updateShape) event(entry oplog.Entry) events.ChangeEvent {
	desc := s.desc
	return events.ChangeEvent{
		ID:                resumeToken(entry, s.key),
		OperationType:     events.OperationUpdate,
		Namespace:         eventNamespace(entry),
		DocumentKey:       s.key,
		UpdateDescription: &desc,
	}
}

func (s replaceShape) event(entry oplog.Entry) events.ChangeEvent {
	return events.ChangeEvent{
		ID:            resumeToken(entry, s.key),
		OperationType: events.OperationReplace,
		FullDocument:  s.doc,
		Namespace:     eventNamespace(entry),
		DocumentKey:   s.key,
	}
}

func (s deleteShape) event(entry oplog.Entry) events.ChangeEvent {
	return events.ChangeEvent{
		ID:            resumeToken(entry, s.key),
		OperationType: events.OperationDelete,
		Namespace:     eventNamespace(entry),
		DocumentKey:   s.key,
	}
}

func (invalidateShape) event(entry oplog.Entry) events.ChangeEvent {
	return events.ChangeEvent{
		ID:            resumeToken(entry, nil),
		OperationType: events.OperationInvalidate,
	}
}

func resumeToken(entry oplog.Entry, key bson.D) events.ResumeToken {
	token := events.ResumeToken{
		Timestamp: entry.Timestamp,
		Namespace: entry.Namespace.String(),
	}
	if id, ok := lookup(key, "_id"); ok {
		token.DocumentID = id
		token.HasDocumentID = true
	}
	return token
}

func eventNamespace(entry oplog.Entry) *events.Namespace {
	return &events.Namespace{DB: entry.Namespace.DB, Coll: entry.Namespace.Coll}
}

// documentKey is {_id: <id>} of an inserted document, empty when it has no _id.
func documentKey(doc bson.D) bson.D {
	if id, ok := lookup(doc, "_id"); ok {
		return bson.D{{Key: "_id", Value: id}}
	}
	return bson.D{}
}

// isModifier reports whether an update payload is a modifier document such as
// {$set: ...} rather than a replacement.
func isModifier(obj bson.D) bool {
	for _, elem := range obj {
		if strings.HasPrefix(elem.Key, "$") {
			return true
		}
	}
	return false
}

func lookup(doc bson.D, key string) (interface{}, bool) {
	for _, elem := range doc {
		if elem.Key == key {
			return elem.Value, true
		}
	}
	return nil, false
}
