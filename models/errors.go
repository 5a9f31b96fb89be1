package models

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindBadRequest
	KindForbidden
	KindStorageUnavailable
	KindDataIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindBadRequest:
		return "bad request"
	case KindForbidden:
		return "forbidden"
	case KindStorageUnavailable:
		return "storage unavailable"
	case KindDataIntegrity:
		return "data integrity"
	}
	return "unknown"
}

// Sentinels usable with errors.Is for any *Error of the same kind.
var (
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrBadRequest         = &Error{Kind: KindBadRequest}
	ErrForbidden          = &Error{Kind: KindForbidden}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
	ErrDataIntegrity      = &Error{Kind: KindDataIntegrity}
)

// Error is the error returned across component boundaries.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

func NotFound(format string, a ...interface{}) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, a...)}
}

func BadRequest(format string, a ...interface{}) error {
	return &Error{Kind: KindBadRequest, Msg: fmt.Sprintf(format, a...)}
}

func Forbidden(format string, a ...interface{}) error {
	return &Error{Kind: KindForbidden, Msg: fmt.Sprintf(format, a...)}
}

func Unavailable(err error, format string, a ...interface{}) error {
	return &Error{Kind: KindStorageUnavailable, Msg: fmt.Sprintf(format, a...), Err: err}
}

func Integrity(format string, a ...interface{}) error {
	return &Error{Kind: KindDataIntegrity, Msg: fmt.Sprintf(format, a...)}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
