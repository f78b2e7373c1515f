// Package qerr is the error taxonomy of the quote pipeline.
//
// Every failure a stage reports is a *Error carrying a Kind. Callers match with
// errors.Is against the kind sentinels (ErrDuplicateOrStale, ...) or against a
// family (ErrAdapter, ErrValidation, ErrSequencing, ErrPublish).
package qerr

import (
	"errors"
	"fmt"

	"fxpulse.com/internal/quotes/model"
)

type Kind uint8

const (
	KindUnknown Kind = iota

	// adapter
	MalformedPayload
	StaleConnection
	UpstreamUnavailable

	// validation
	InvalidRange
	ExcessiveSpread
	ClockSkew
	UnknownInstrument

	// sequencing
	DuplicateOrStale
	ReorderWindowExceeded

	// publish
	SinkUnavailable
	SinkRejected
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	MalformedPayload:      "malformed_payload",
	StaleConnection:       "stale_connection",
	UpstreamUnavailable:   "upstream_unavailable",
	InvalidRange:          "invalid_range",
	ExcessiveSpread:       "excessive_spread",
	ClockSkew:             "clock_skew",
	UnknownInstrument:     "unknown_instrument",
	DuplicateOrStale:      "duplicate_or_stale",
	ReorderWindowExceeded: "reorder_window_exceeded",
	SinkUnavailable:       "sink_unavailable",
	SinkRejected:          "sink_rejected",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Family groups kinds the way log labels and metrics do: adapter, validation, sequencing, publish.
type Family uint8

const (
	FamilyUnknown Family = iota
	FamilyAdapter
	FamilyValidation
	FamilySequencing
	FamilyPublish
)

func (f Family) String() string {
	switch f {
	case FamilyAdapter:
		return "adapter"
	case FamilyValidation:
		return "validation"
	case FamilySequencing:
		return "sequencing"
	case FamilyPublish:
		return "publish"
	default:
		return "unknown"
	}
}

func (k Kind) Family() Family {
	switch k {
	case MalformedPayload, StaleConnection, UpstreamUnavailable:
		return FamilyAdapter
	case InvalidRange, ExcessiveSpread, ClockSkew, UnknownInstrument:
		return FamilyValidation
	case DuplicateOrStale, ReorderWindowExceeded:
		return FamilySequencing
	case SinkUnavailable, SinkRejected:
		return FamilyPublish
	default:
		return FamilyUnknown
	}
}

// Sentinels for errors.Is.
var (
	ErrMalformedPayload      = &sentinel{kind: MalformedPayload}
	ErrStaleConnection       = &sentinel{kind: StaleConnection}
	ErrUpstreamUnavailable   = &sentinel{kind: UpstreamUnavailable}
	ErrInvalidRange          = &sentinel{kind: InvalidRange}
	ErrExcessiveSpread       = &sentinel{kind: ExcessiveSpread}
	ErrClockSkew             = &sentinel{kind: ClockSkew}
	ErrUnknownInstrument     = &sentinel{kind: UnknownInstrument}
	ErrDuplicateOrStale      = &sentinel{kind: DuplicateOrStale}
	ErrReorderWindowExceeded = &sentinel{kind: ReorderWindowExceeded}
	ErrSinkUnavailable       = &sentinel{kind: SinkUnavailable}
	ErrSinkRejected          = &sentinel{kind: SinkRejected}

	ErrAdapter    = &familySentinel{family: FamilyAdapter}
	ErrValidation = &familySentinel{family: FamilyValidation}
	ErrSequencing = &familySentinel{family: FamilySequencing}
	ErrPublish    = &familySentinel{family: FamilyPublish}
)

type sentinel struct{ kind Kind }

func (s *sentinel) Error() string { return s.kind.String() }

type familySentinel struct{ family Family }

func (s *familySentinel) Error() string { return s.family.String() + " error" }

// Error is a classified pipeline failure. Instrument and Source are filled when known.
type Error struct {
	Kind       Kind
	Instrument model.Instrument
	Source     string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Family().String() + ": " + e.Kind.String()
	if e.Source != "" {
		msg += " source=" + e.Source
	}
	if !e.Instrument.IsZero() {
		msg += " instrument=" + e.Instrument.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case *sentinel:
		return t.kind == e.Kind
	case *familySentinel:
		return t.family == e.Kind.Family()
	}
	return false
}

func New(kind Kind, inst model.Instrument, source string, err error) *Error {
	return &Error{Kind: kind, Instrument: inst, Source: source, Err: err}
}

// Newf builds an Error with a formatted cause.
func Newf(kind Kind, inst model.Instrument, source string, format string, args ...any) *Error {
	return New(kind, inst, source, fmt.Errorf(format, args...))
}

// Malformed is the adapter shorthand for a payload that failed to parse.
func Malformed(source string, err error) *Error {
	return New(MalformedPayload, model.Instrument{}, source, err)
}

// Unavailable wraps a sink error as transient.
func Unavailable(sink string, err error) *Error {
	return New(SinkUnavailable, model.Instrument{}, sink, err)
}

// Rejected wraps a sink error as permanent for this message.
func Rejected(sink string, err error) *Error {
	return New(SinkRejected, model.Instrument{}, sink, err)
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
