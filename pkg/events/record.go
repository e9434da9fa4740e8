package events

import (
	"encoding/hex"

	"go.mongodb.org/mongo-driver/bson"
)

/*
RecordEvent is a change event prepared for delivery.
Action is the operationType. Schema & Collection are the watched database and
collection, mapped by each estuary to its own terms (e.g. index, table, topic).
Key holds the documentKey as extended JSON, empty for invalidate events.
Token is the hex encoded BSON of the resume token, stable per event.
Data holds the event as relaxed extended JSON, possibly rewritten by kazaam.
*/
type RecordEvent struct {
	Action     string `json:"action"`
	Schema     string `json:"schema"`
	Collection string `json:"collection"`

	Key   []byte `json:"key,omitempty"`
	Token string `json:"token"`
	Data  []byte `json:"data"`
}

// NewRecordEvent encodes event for delivery. Schema and Collection name the
// watched namespace, invalidate events carry no ns of their own.
func NewRecordEvent(event ChangeEvent, schema, collection string) (*RecordEvent, error) {
	data, err := event.MarshalExtJSON(false)
	if err != nil {
		return nil, err
	}
	token, err := bson.Marshal(event.ID.Document())
	if err != nil {
		return nil, err
	}

	record := &RecordEvent{
		Action:     string(event.OperationType),
		Schema:     schema,
		Collection: collection,
		Token:      hex.EncodeToString(token),
		Data:       data,
	}
	if event.DocumentKey != nil {
		key, err := bson.MarshalExtJSON(event.DocumentKey, false, false)
		if err != nil {
			return nil, err
		}
		record.Key = key
	}
	return record, nil
}

func (r *RecordEvent) IsInvalidate() bool {
	return r.Action == string(OperationInvalidate)
}
