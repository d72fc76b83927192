package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so transports can map them to status codes
// without inspecting messages.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindUnsupportedFormat
	KindMalformedVideo
	KindDecode
	KindDimensionMismatch
	KindIndexUnavailable
	KindSchemaConflict
	KindNotFound
	KindRetrieval
)

var kindNames = map[ErrorKind]string{
	KindInternal:          "internal error",
	KindUnsupportedFormat: "unsupported format",
	KindMalformedVideo:    "malformed video",
	KindDecode:            "decode error",
	KindDimensionMismatch: "dimension mismatch",
	KindIndexUnavailable:  "index unavailable",
	KindSchemaConflict:    "schema conflict",
	KindNotFound:          "not found",
	KindRetrieval:         "retrieval failed",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinels for errors.Is checks. They match any *Error of the same kind.
var (
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrMalformedVideo    = &Error{Kind: KindMalformedVideo}
	ErrDecode            = &Error{Kind: KindDecode}
	ErrDimensionMismatch = &Error{Kind: KindDimensionMismatch}
	ErrIndexUnavailable  = &Error{Kind: KindIndexUnavailable}
	ErrSchemaConflict    = &Error{Kind: KindSchemaConflict}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrRetrieval         = &Error{Kind: KindRetrieval}
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind, so errors.Is(err, ErrDecode) holds for every decode error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Public returns a message safe to show to remote callers.
func (e *Error) Public() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Message
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err. A nil err yields nil.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// PublicMessage returns the message of the first *Error carrying one, falling
// back to the kind name.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return KindInternal.String()
	}
	for cur := e; cur != nil; {
		if cur.Message != "" {
			return cur.Public()
		}
		var next *Error
		if !errors.As(cur.Err, &next) {
			break
		}
		cur = next
	}
	return e.Kind.String()
}
