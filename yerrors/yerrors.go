// Package yerrors defines the error taxonomy shared by every YOGI engine
// component (spec.md §7). Every failure surfaced across a terminal, binding,
// endpoint, connection or session boundary is one of these Kinds, wrapped
// with github.com/pkg/errors for call-site context the way the teacher wraps
// broker errors (see broker/append_fsm.go's errors.WithMessage chains).
package yerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error taxonomy of spec.md §7.
type Kind string

const (
	Canceled                     Kind = "canceled"
	Timeout                      Kind = "timeout"
	BufferTooSmall               Kind = "buffer-too-small"
	NotBound                     Kind = "not-bound"
	AlreadyAwaiting              Kind = "already-awaiting"
	NoCache                      Kind = "no-cache"
	InvalidPath                  Kind = "invalid-path"
	InvalidTarget                Kind = "invalid-target"
	InvalidVariant               Kind = "invalid-variant"
	BadConfiguration             Kind = "bad-configuration"
	BadCommandLine               Kind = "bad-command-line"
	BadConfigurationFilePattern  Kind = "bad-configuration-file-pattern"
	BadConfigurationPath         Kind = "bad-configuration-path"
	BadConfigurationDataAccess   Kind = "bad-configuration-data-access"
	ConnectionLost               Kind = "connection-lost"
	AssignmentFailed             Kind = "assignment-failed"
	Unknown                      Kind = "unknown"
)

// Error is a Kind-tagged error. The engine never returns a bare error across
// a public API boundary; every failure is classifiable via KindOf or Is.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an *Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches Kind and a message to an underlying cause, analogous to the
// teacher's errors.WithMessage(err, "resolve") idiom.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ye *Error
	if errors.As(err, &ye) {
		return ye.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or Unknown if err is not a tagged *Error.
func KindOf(err error) Kind {
	var ye *Error
	if errors.As(err, &ye) {
		return ye.Kind
	}
	if err == nil {
		return ""
	}
	return Unknown
}
