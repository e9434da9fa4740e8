package changestream

import (
	"go.mongodb.org/mongo-driver/bson"
)

// FullDocumentMode selects what fullDocument carries for update events.
type FullDocumentMode string

const (
	FullDocumentDefault      FullDocumentMode = "default"
	FullDocumentUpdateLookup FullDocumentMode = "updateLookup"
)

const fullDocumentOption = "fullDocument"

func (m FullDocumentMode) IsValid() bool {
	return m == FullDocumentDefault || m == FullDocumentUpdateLookup
}

// Options is the validated configuration of the stage. updateLookup is
// accepted and kept but no lookup is performed, update events always carry a
// null fullDocument.
type Options struct {
	FullDocument FullDocumentMode

	// explicit records that fullDocument appeared in the parsed spec, so that
	// serializing reproduces the spec as given.
	explicit bool
}

func DefaultOptions() Options {
	return Options{FullDocument: FullDocumentDefault}
}

// WithFullDocument returns o with an explicitly chosen mode.
func (o Options) WithFullDocument(mode FullDocumentMode) Options {
	o.FullDocument = mode
	o.explicit = true
	return o
}

// ParseOptions validates the value of a $changeStream stage.
func ParseOptions(spec bson.Raw) (Options, error) {
	opts := DefaultOptions()

	elems, err := spec.Elements()
	if err != nil {
		return Options{}, newError(ErrFailedToParse, CodeFailedToParse,
			"$changeStream options are not a valid document: %v", err)
	}

	for _, elem := range elems {
		switch elem.Key() {
		case fullDocumentOption:
			value := elem.Value()
			str, ok := value.StringValueOK()
			if !ok {
				return Options{}, newError(ErrTypeMismatch, CodeTypeMismatch,
					"the 'fullDocument' option to the $changeStream stage must be a string, but found type: %s", value.Type)
			}
			mode := FullDocumentMode(str)
			if !mode.IsValid() {
				return Options{}, newError(ErrInvalidOption, CodeUnrecognizedFullDocument,
					"unrecognized value for the 'fullDocument' option to the $changeStream stage. Expected %q or %q, got %q",
					FullDocumentDefault, FullDocumentUpdateLookup, str)
			}
			opts = opts.WithFullDocument(mode)
		default:
			return Options{}, newError(ErrInvalidOption, CodeUnrecognizedOption,
				"unrecognized option to $changeStream stage: %q", elem.Key())
		}
	}
	return opts, nil
}

// ParseOptionsD is ParseOptions for an ordered document built in code.
func ParseOptionsD(spec bson.D) (Options, error) {
	if spec == nil {
		spec = bson.D{}
	}
	raw, err := bson.Marshal(spec)
	if err != nil {
		return Options{}, newError(ErrFailedToParse, CodeFailedToParse,
			"$changeStream options could not be encoded: %v", err)
	}
	return ParseOptions(raw)
}

// Document renders the options as they were given.
func (o Options) Document() bson.D {
	doc := bson.D{}
	if o.explicit {
		doc = append(doc, bson.E{Key: fullDocumentOption, Value: string(o.FullDocument)})
	}
	return doc
}
