package changestream

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cohenjo/changestream/pkg/oplog"
)

// Command names that end a change stream.
const (
	commandDrop         = "drop"
	commandDropDatabase = "dropDatabase"
	commandRename       = "renameCollection"
	renameTargetField   = "to"
)

// Filter is the first half of the stage. It keeps the oplog entries of the
// watched namespace that carry a user visible change.
type Filter struct {
	ns   oplog.Namespace
	opts Options
}

func NewFilter(ns oplog.Namespace, opts Options) *Filter {
	return &Filter{ns: ns, opts: opts}
}

func (f *Filter) Name() string { return StageName }

func (f *Filter) Options() Options { return f.opts }

func (f *Filter) Namespace() oplog.Namespace { return f.ns }

func (f *Filter) IsRelevant(entry oplog.Entry) bool {
	return IsRelevant(entry, f.ns)
}

/*
IsRelevant reports whether entry produces a change event for watched:
  - CRUD entries on the watched namespace, except index catalog writes
  - drop of the watched collection
  - dropDatabase of the watched database
  - renameCollection from or to the watched namespace, with or without dropTarget

No-ops, collection creation and every other command are dropped.
*/
func IsRelevant(entry oplog.Entry, watched oplog.Namespace) bool {
	switch entry.OpType {
	case oplog.OpInsert, oplog.OpUpdate, oplog.OpDelete:
		return entry.Namespace == watched && !entry.Namespace.IsSystemIndexes()
	case oplog.OpCommand:
		return invalidates(entry, watched)
	}
	return false
}

func invalidates(entry oplog.Entry, watched oplog.Namespace) bool {
	switch commandName(entry.Object) {
	case commandDrop:
		return entry.Namespace == watched.CommandNS() &&
			stringField(entry.Object, commandDrop) == watched.Coll
	case commandDropDatabase:
		return entry.Namespace == watched.CommandNS()
	case commandRename:
		return stringField(entry.Object, commandRename) == watched.String() ||
			stringField(entry.Object, renameTargetField) == watched.String()
	}
	return false
}

// MatchExpression renders the filter as an oplog query, so the server-side
// tail skips what IsRelevant would drop. IsRelevant stays authoritative.
func (f *Filter) MatchExpression() bson.D {
	ns := f.ns.String()
	cmdNS := f.ns.CommandNS().String()
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{
			{Key: "ns", Value: ns},
			{Key: "op", Value: bson.D{{Key: "$in", Value: bson.A{
				string(oplog.OpInsert), string(oplog.OpUpdate), string(oplog.OpDelete),
			}}}},
		},
		bson.D{
			{Key: "ns", Value: cmdNS},
			{Key: "op", Value: string(oplog.OpCommand)},
			{Key: "o." + commandDrop, Value: f.ns.Coll},
		},
		bson.D{
			{Key: "ns", Value: cmdNS},
			{Key: "op", Value: string(oplog.OpCommand)},
			{Key: "o." + commandDropDatabase, Value: bson.D{{Key: "$exists", Value: true}}},
		},
		bson.D{
			{Key: "op", Value: string(oplog.OpCommand)},
			{Key: "o." + commandRename, Value: ns},
		},
		bson.D{
			{Key: "op", Value: string(oplog.OpCommand)},
			{Key: "o." + renameTargetField, Value: ns},
		},
	}}}
}

// commandName is the first field of a command document.
func commandName(cmd bson.D) string {
	if len(cmd) == 0 {
		return ""
	}
	return cmd[0].Key
}

func stringField(doc bson.D, key string) string {
	for _, elem := range doc {
		if elem.Key == key {
			s, _ := elem.Value.(string)
			return s
		}
	}
	return ""
}
