// Package gerrors defines the tagged error kinds used across the gossip engine.
package gerrors

import "fmt"

// Kind is a tagged variant identifying a class of failure.
type Kind string

const (
	InvalidConfig    Kind = "INVALID_CONFIG"
	InvalidEvent     Kind = "INVALID_EVENT"
	NotInitialized   Kind = "NOT_INITIALIZED"
	StoreErrorKind   Kind = "STORE_ERROR"
	TransportErrKind Kind = "TRANSPORT_ERROR"
	PeerErrorKind    Kind = "PEER_ERROR"
	SerializationErr Kind = "SERIALIZATION_ERROR"
	VectorClockErr   Kind = "VECTOR_CLOCK_ERROR"
	DuplicateEvent   Kind = "DUPLICATE_EVENT"
)

// Error is the engine's single error type. Every failure mode in the core is
// represented as one of these, tagged by Kind and carrying whatever fields
// are relevant to that kind.
type Error struct {
	K         Kind
	Message   string
	PeerID    string
	EventID   string
	Cause     error
	Metadata  map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.K, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.K, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.K == e.K
}

// WithMetadata attaches a key/value pair to the error for diagnostics.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

func newErr(k Kind, msg string) *Error {
	return &Error{K: k, Message: msg}
}

func New(k Kind, message string) *Error {
	return newErr(k, message)
}

func NewInvalidConfig(message string) *Error {
	return newErr(InvalidConfig, message)
}

func NewInvalidEvent(message string) *Error {
	return newErr(InvalidEvent, message)
}

func NewNotInitialized(message string) *Error {
	return newErr(NotInitialized, message)
}

func NewStoreError(cause error) *Error {
	e := newErr(StoreErrorKind, "store operation failed")
	e.Cause = cause
	return e
}

func NewTransportError(cause error) *Error {
	e := newErr(TransportErrKind, "transport operation failed")
	e.Cause = cause
	return e
}

func NewPeerError(peerID, message string) *Error {
	e := newErr(PeerErrorKind, message)
	e.PeerID = peerID
	return e
}

func NewSerializationError(cause error) *Error {
	e := newErr(SerializationErr, "failed to parse wire format")
	e.Cause = cause
	return e
}

func NewVectorClockError(message string) *Error {
	return newErr(VectorClockErr, message)
}

func NewDuplicateEvent(eventID string) *Error {
	e := newErr(DuplicateEvent, "event already known")
	e.EventID = eventID
	return e
}

// Of reports the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if As(err, &e) {
		return e.K, true
	}
	return "", false
}

// As is a thin wrapper so callers don't need a separate "errors" import just
// for this package's own type assertions in the common case.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
