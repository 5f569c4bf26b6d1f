package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindInternal
	KindInvalidState
	KindNetwork
	KindTLS
	KindTimeout
	KindParse
	KindInvalidConfig
	KindProtocol
	KindMessaging
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindInvalidArgument: "invalid argument",
	KindInternal:        "internal",
	KindInvalidState:    "invalid state",
	KindNetwork:         "network",
	KindTLS:             "tls",
	KindTimeout:         "timeout",
	KindParse:           "parse",
	KindInvalidConfig:   "invalid config",
	KindProtocol:        "protocol",
	KindMessaging:       "messaging",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single error type returned by every handler.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return e.Kind.String() + ": " + e.Msg
	case e.Msg == "":
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String() + ": " + e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind that carries no message,
// which lets the Err* values below act as sentinels for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrInternal        = &Error{Kind: KindInternal}
	ErrInvalidState    = &Error{Kind: KindInvalidState}
	ErrNetwork         = &Error{Kind: KindNetwork}
	ErrTLS             = &Error{Kind: KindTLS}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrParse           = &Error{Kind: KindParse}
	ErrInvalidConfig   = &Error{Kind: KindInvalidConfig}
	ErrProtocol        = &Error{Kind: KindProtocol}
	ErrMessaging       = &Error{Kind: KindMessaging}
)

// Errorf builds an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that wraps err. A nil err yields nil. An err that
// already is an *Error keeps its kind.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if msg == "" {
			return e
		}
		return &Error{Kind: e.Kind, Msg: msg, Err: e}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}
