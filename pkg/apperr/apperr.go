package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	UnsupportedFormat  Kind = "unsupported_format"
	ExtractionFailed   Kind = "extraction_failed"
	EmptyDocument      Kind = "empty_document"
	EmbeddingFailed    Kind = "embedding_failed"
	PersistenceFailed  Kind = "persistence_failed"
	ConfigurationError Kind = "configuration_error"
	NotFound           Kind = "not_found"
	Conflict           Kind = "conflict"
	InvalidArgument    Kind = "invalid_argument"
)

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "operation failed"
	}
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func E(kind Kind, op, msg string, cause error) error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind. An empty document is also
// an extraction failure.
func Is(err error, kind Kind) bool {
	k := KindOf(err)
	if k == kind {
		return true
	}
	return kind == ExtractionFailed && k == EmptyDocument
}
