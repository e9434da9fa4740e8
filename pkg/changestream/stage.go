package changestream

import (
	"go.mongodb.org/mongo-driver/bson"

	"github.com/cohenjo/changestream/pkg/oplog"
)

// StageName is the pipeline name both halves of the stage report.
const StageName = "$changeStream"

// Stage is one half of the change stream stage.
type Stage interface {
	Name() string
	Options() Options
}

// ExpressionContext is what the host pipeline knows when it builds the stage.
type ExpressionContext struct {
	Namespace   oplog.Namespace
	Coordinator oplog.ReplicationCoordinator
}

func checkReplication(ectx ExpressionContext) error {
	if ectx.Coordinator == nil || !ectx.Coordinator.IsReplicaSet() {
		return newError(ErrIllegalOperation, CodeNoReplicationCoordinator,
			"the $changeStream stage is only supported on replica sets")
	}
	return nil
}

// New builds the filter and transformer for already validated options.
func New(opts Options, ectx ExpressionContext) (*Filter, *Transformer, error) {
	if err := checkReplication(ectx); err != nil {
		return nil, nil, err
	}
	return NewFilter(ectx.Namespace, opts), NewTransformer(opts), nil
}

// Build validates the value of a $changeStream stage and returns
// [Filter, Transformer]. The replication check runs before the options are
// looked at.
func Build(spec bson.Raw, ectx ExpressionContext) ([]Stage, error) {
	if err := checkReplication(ectx); err != nil {
		return nil, err
	}
	opts, err := ParseOptions(spec)
	if err != nil {
		return nil, err
	}
	filter, transformer, err := New(opts, ectx)
	if err != nil {
		return nil, err
	}
	return []Stage{filter, transformer}, nil
}

// BuildD is Build for an ordered document built in code.
func BuildD(spec bson.D, ectx ExpressionContext) ([]Stage, error) {
	if err := checkReplication(ectx); err != nil {
		return nil, err
	}
	opts, err := ParseOptionsD(spec)
	if err != nil {
		return nil, err
	}
	filter, transformer, err := New(opts, ectx)
	if err != nil {
		return nil, err
	}
	return []Stage{filter, transformer}, nil
}

// Parse reads a serialized stage {$changeStream: {...}}.
func Parse(doc bson.Raw, ectx ExpressionContext) ([]Stage, error) {
	elems, err := doc.Elements()
	if err != nil {
		return nil, newError(ErrFailedToParse, CodeFailedToParse, "stage is not a valid document: %v", err)
	}
	if len(elems) != 1 {
		return nil, newError(ErrFailedToParse, CodeFailedToParse,
			"a pipeline stage specification must contain exactly one field, found %d", len(elems))
	}
	if elems[0].Key() != StageName {
		return nil, newError(ErrFailedToParse, CodeFailedToParse,
			"unrecognized pipeline stage name: %q", elems[0].Key())
	}
	value := elems[0].Value()
	spec, ok := value.DocumentOK()
	if !ok {
		return nil, newError(ErrFailedToParse, CodeFailedToParse,
			"the %s stage specification must be an object, found %s", StageName, value.Type)
	}
	return Build(spec, ectx)
}

// Serialize renders a stage as {$changeStream: <options as given>}. Both
// halves render the same document.
func Serialize(stage Stage) bson.D {
	return bson.D{{Key: stage.Name(), Value: stage.Options().Document()}}
}

// SerializePipeline renders stages, emitting the pair of halves built from
// one spec as a single document.
func SerializePipeline(stages []Stage) []bson.D {
	out := make([]bson.D, 0, len(stages))
	var prev Stage
	for _, stage := range stages {
		if _, isTransformer := stage.(*Transformer); isTransformer && prev != nil {
			if _, afterFilter := prev.(*Filter); afterFilter && prev.Options() == stage.Options() {
				prev = stage
				continue
			}
		}
		out = append(out, Serialize(stage))
		prev = stage
	}
	return out
}
