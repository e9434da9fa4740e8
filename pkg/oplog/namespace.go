package oplog

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

const (
	commandCollection       = "$cmd"
	systemIndexesCollection = "system.indexes"
)

// Namespace identifies a collection as a database name and a collection name.
// On the wire it is the dotted string "db.coll".
type Namespace struct {
	DB   string
	Coll string
}

// ParseNamespace splits "db.coll" on the first dot. Collection names may
// themselves contain dots ("db.system.indexes").
func ParseNamespace(s string) Namespace {
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return Namespace{DB: s}
	}
	return Namespace{DB: s[:i], Coll: s[i+1:]}
}

func (n Namespace) String() string {
	if n.Coll == "" {
		return n.DB
	}
	return n.DB + "." + n.Coll
}

func (n Namespace) IsEmpty() bool {
	return n.DB == "" && n.Coll == ""
}

// CommandNS returns the namespace command entries for n's database are logged under.
func (n Namespace) CommandNS() Namespace {
	return Namespace{DB: n.DB, Coll: commandCollection}
}

func (n Namespace) IsCommand() bool {
	return n.Coll == commandCollection
}

// SystemIndexes returns the index catalog namespace of n's database. Index
// builds are logged as inserts into it.
func (n Namespace) SystemIndexes() Namespace {
	return Namespace{DB: n.DB, Coll: systemIndexesCollection}
}

func (n Namespace) IsSystemIndexes() bool {
	return n.Coll == systemIndexesCollection
}

// MarshalBSONValue encodes the namespace as its dotted string.
func (n Namespace) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bsontype.String, bsoncore.AppendString(nil, n.String()), nil
}

// UnmarshalBSONValue decodes a dotted namespace string.
func (n *Namespace) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	s, ok := bson.RawValue{Type: t, Value: data}.StringValueOK()
	if !ok {
		return fmt.Errorf("%w: namespace must be a string, found %s", ErrMalformedEntry, t)
	}
	*n = ParseNamespace(s)
	return nil
}
