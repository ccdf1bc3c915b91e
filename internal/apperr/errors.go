// Package apperr defines the error taxonomy shared by every pipeline stage.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrDiscovery        = errors.New("discovery error")
	ErrSchema           = errors.New("schema error")
	ErrGraph            = errors.New("graph error")
	ErrCitation         = errors.New("citation error")
	ErrTransform        = errors.New("transform error")
	ErrCacheConsistency = errors.New("cache consistency error")
	ErrLocked           = errors.New("build directory is locked")
	ErrRenderer         = errors.New("renderer error")
	ErrValidationFailed = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
)

// Error carries an operation and message on top of a taxonomy sentinel.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap lets errors.Is match both the sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an *Error of the given kind.
func New(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and op to err. A nil err yields nil.
func Wrap(kind error, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
