package heatmap

import (
	"errors"

	"github.com/rotisserie/eris"
)

// Kind classifies failures by how they are surfaced.
type Kind int

const (
	// KindUnknown is any error that carries no classification.
	KindUnknown Kind = iota
	// KindValidation is a malformed viewport; ignored with a log.
	KindValidation
	// KindBackendUnavailable triggers the demo dataset fallback.
	KindBackendUnavailable
	// KindQuery is surfaced as a dismissible banner; the last snapshot is kept.
	KindQuery
	// KindTransport only affects the realtime status indicator.
	KindTransport
	// KindRender is caught by the render error boundary.
	KindRender
	// KindExport is returned to the export caller; the snapshot is unaffected.
	KindExport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindQuery:
		return "query"
	case KindTransport:
		return "transport"
	case KindRender:
		return "render"
	case KindExport:
		return "export"
	default:
		return "unknown"
	}
}

// Error attaches a Kind to an underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: eris.Errorf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
