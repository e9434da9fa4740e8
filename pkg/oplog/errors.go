package oplog

import "errors"

var (
	// ErrMalformedEntry is returned when a raw oplog document cannot be decoded.
	ErrMalformedEntry = errors.New("malformed oplog entry")

	// ErrUnknownOpType is returned for op codes outside i, u, d, c and n.
	ErrUnknownOpType = errors.New("unknown oplog op type")

	// ErrMissingObject is returned when an entry carries no "o" document.
	ErrMissingObject = errors.New("oplog entry has no object")

	// ErrMissingObject2 is returned when an update carries no "o2" key.
	ErrMissingObject2 = errors.New("oplog update entry has no o2 key")

	// ErrUnexpectedObject2 is returned when an insert or command carries "o2".
	ErrUnexpectedObject2 = errors.New("oplog entry carries an unexpected o2 document")

	// ErrNotReplicaSet is returned by the MongoDB source when the server is standalone.
	ErrNotReplicaSet = errors.New("server is not a replica set member")

	// ErrSourceClosed is returned by Next after Close.
	ErrSourceClosed = errors.New("oplog source is closed")
)
