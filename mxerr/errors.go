// This package classifies identd failures the way the Matrix identity API reports them. Every
// error carries a Kind for callers deciding whether to retry and an errcode for the wire.
package mxerr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindConfiguration
	KindBadRequest
	KindConflict
	KindNotFound
	KindTransient
	KindPeerRejection
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindBadRequest:
		return "bad request"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not found"
	case KindTransient:
		return "transient"
	case KindPeerRejection:
		return "peer rejection"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

const (
	CodeUnknown         = "M_UNKNOWN"
	CodeBadJSON         = "M_BAD_JSON"
	CodeInvalidParam    = "M_INVALID_PARAM"
	CodeUnrecognized    = "M_UNRECOGNIZED"
	CodeThreePidInUse   = "M_THREEPID_IN_USE"
	CodeNotFound        = "M_NOT_FOUND"
	CodeForbidden       = "M_FORBIDDEN"
	CodeConnectionError = "M_CONNECTION_FAILED"
)

// Error is a classified failure. Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Message, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, code string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Configuration(format string, args ...interface{}) error {
	return New(KindConfiguration, CodeUnknown, format, args...)
}

func BadRequest(code, format string, args ...interface{}) error {
	return New(KindBadRequest, code, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

func MappingAlreadyExists() error {
	return New(KindConflict, CodeThreePidInUse, "mapping already exists for this 3PID")
}

func Crypto(err error, format string, args ...interface{}) error {
	return Wrap(KindCrypto, CodeUnknown, err, format, args...)
}

func Transient(err error, format string, args ...interface{}) error {
	return Wrap(KindTransient, CodeConnectionError, err, format, args...)
}

func PeerRejection(status int, body string) error {
	return New(KindPeerRejection, CodeUnknown, "federation peer answered %d: %s", status, body)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
