package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing the bridge.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // bad input, caught before any bridge call
	KindNotFound   ErrorKind = "not_found"  // unknown device id
	KindTransport  ErrorKind = "transport"  // bridge call threw or timed out
	KindProtocol   ErrorKind = "protocol"   // unexpected method or payload shape
	KindBackend    ErrorKind = "backend"    // backend answered success:false
)

// Sentinels usable with errors.Is.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrProtocol   = &Error{Kind: KindProtocol}
	ErrBackend    = &Error{Kind: KindBackend}
)

// Error is a classified failure. Op names the command or bridge method.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Cause   error
}

func NewError(kind ErrorKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

func WrapError(kind ErrorKind, op string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Op: op, Message: msg, Cause: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Message != "":
		return e.Message
	case e.Op != "":
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	default:
		return string(e.Kind) + " error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, ErrValidation) works
// for every validation failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
