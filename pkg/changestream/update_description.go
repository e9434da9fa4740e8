package changestream

import (
	"sort"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/cohenjo/changestream/pkg/events"
)

const (
	modifierSet   = "$set"
	modifierUnset = "$unset"
)

// describeUpdate derives the update description of a modifier document.
// $set fields become updatedFields in order, $unset keys become
// removedFields in order. Other operators contribute nothing.
func describeUpdate(modifier bson.D) events.UpdateDescription {
	desc := events.UpdateDescription{
		UpdatedFields: bson.D{},
		RemovedFields: []string{},
	}
	for _, elem := range modifier {
		fields, ok := asDocument(elem.Value)
		if !ok {
			continue
		}
		switch elem.Key {
		case modifierSet:
			desc.UpdatedFields = append(desc.UpdatedFields, fields...)
		case modifierUnset:
			for _, field := range fields {
				desc.RemovedFields = append(desc.RemovedFields, field.Key)
			}
		}
	}
	return desc
}

// asDocument accepts the document representations the driver may decode
// into. A bson.M has no order of its own, its keys are sorted.
func asDocument(v interface{}) (bson.D, bool) {
	switch doc := v.(type) {
	case bson.D:
		return doc, true
	case bson.Raw:
		var d bson.D
		if err := bson.Unmarshal(doc, &d); err != nil {
			return nil, false
		}
		return d, true
	case bson.M:
		keys := make([]string, 0, len(doc))
		for k := range doc {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := make(bson.D, 0, len(keys))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: doc[k]})
		}
		return d, true
	}
	return nil, false
}
