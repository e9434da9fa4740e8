package events

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationType is the operationType of a change event.
type OperationType string

const (
	OperationInsert     OperationType = "insert"
	OperationUpdate     OperationType = "update"
	OperationReplace    OperationType = "replace"
	OperationDelete     OperationType = "delete"
	OperationInvalidate OperationType = "invalidate"
)

func (o OperationType) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete, OperationInvalidate:
		return true
	}
	return false
}

// Field names of the change event document, in output order.
const (
	FieldID                = "_id"
	FieldOperationType     = "operationType"
	FieldFullDocument      = "fullDocument"
	FieldNamespace         = "ns"
	FieldDocumentKey       = "documentKey"
	FieldUpdateDescription = "updateDescription"
)

/*
ResumeToken is the _id of a change event: the oplog timestamp, the namespace
string of the originating entry and, for document events, the document _id.
Invalidate events carry the command namespace ("db.$cmd") and no _id.
*/
type ResumeToken struct {
	Timestamp     primitive.Timestamp
	Namespace     string
	DocumentID    interface{}
	HasDocumentID bool
}

func (t ResumeToken) Document() bson.D {
	doc := bson.D{
		{Key: "ts", Value: t.Timestamp},
		{Key: "ns", Value: t.Namespace},
	}
	if t.HasDocumentID {
		doc = append(doc, bson.E{Key: "_id", Value: t.DocumentID})
	}
	return doc
}

// Namespace is the ns member of a change event.
type Namespace struct {
	DB   string `bson:"db" json:"db"`
	Coll string `bson:"coll" json:"coll"`
}

func (n Namespace) Document() bson.D {
	return bson.D{{Key: "db", Value: n.DB}, {Key: "coll", Value: n.Coll}}
}

// UpdateDescription lists the fields set and removed by a partial update.
type UpdateDescription struct {
	UpdatedFields bson.D
	RemovedFields []string
}

// Document always renders both members, as an empty document and an empty
// array when nothing was set or removed.
func (u UpdateDescription) Document() bson.D {
	updated := u.UpdatedFields
	if updated == nil {
		updated = bson.D{}
	}
	removed := make(bson.A, 0, len(u.RemovedFields))
	for _, field := range u.RemovedFields {
		removed = append(removed, field)
	}
	return bson.D{
		{Key: "updatedFields", Value: updated},
		{Key: "removedFields", Value: removed},
	}
}

/*
ChangeEvent is the externally visible form of one relevant oplog entry.

FullDocument nil renders as BSON null. Namespace and DocumentKey are omitted
for invalidate events. UpdateDescription is set only for updates.
*/
type ChangeEvent struct {
	ID                ResumeToken
	OperationType     OperationType
	FullDocument      bson.D
	Namespace         *Namespace
	DocumentKey       bson.D
	UpdateDescription *UpdateDescription
}

// Document renders the event with its fields in their fixed order.
func (e ChangeEvent) Document() bson.D {
	doc := bson.D{
		{Key: FieldID, Value: e.ID.Document()},
		{Key: FieldOperationType, Value: string(e.OperationType)},
	}
	if e.FullDocument != nil {
		doc = append(doc, bson.E{Key: FieldFullDocument, Value: e.FullDocument})
	} else {
		doc = append(doc, bson.E{Key: FieldFullDocument, Value: nil})
	}
	if e.Namespace != nil {
		doc = append(doc, bson.E{Key: FieldNamespace, Value: e.Namespace.Document()})
	}
	if e.DocumentKey != nil {
		doc = append(doc, bson.E{Key: FieldDocumentKey, Value: e.DocumentKey})
	}
	if e.UpdateDescription != nil {
		doc = append(doc, bson.E{Key: FieldUpdateDescription, Value: e.UpdateDescription.Document()})
	}
	return doc
}

func (e ChangeEvent) IsInvalidate() bool {
	return e.OperationType == OperationInvalidate
}

func (e ChangeEvent) MarshalBSON() ([]byte, error) {
	return bson.Marshal(e.Document())
}

// MarshalExtJSON renders the event as relaxed (canonical false) or canonical
// extended JSON.
func (e ChangeEvent) MarshalExtJSON(canonical bool) ([]byte, error) {
	return bson.MarshalExtJSON(e.Document(), canonical, false)
}
