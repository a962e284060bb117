// Package errdefs defines the error taxonomy shared by all overstory
// commands. Errors carry a Kind that maps to the bracket code printed
// on stderr, e.g. "Error [Validation]: agent name already in use".
//
// Library code returns classified errors; command handlers format them
// with Format and exit 1. Exit code 137 is reported when an agent was
// killed externally, never generated by overstory itself.
package errdefs

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitKilled  = 137
)

// Kind classifies an error for CLI reporting and programmatic checks.
type Kind string

const (
	KindConfig     Kind = "Config"
	KindValidation Kind = "Validation"
	KindAgent      Kind = "Agent"
	KindMail       Kind = "Mail"
	KindMerge      Kind = "Merge"
	KindWorktree   Kind = "Worktree"
	KindBeads      Kind = "Beads"
)

// Error is a classified error with an optional hint and wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Hint string // actionable suggestion, printed on its own line
	Err  error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind: errors.Is(err, &Error{Kind: KindMerge}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error without losing the cause chain.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithHint attaches an actionable suggestion to the error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// Convenience constructors, one per kind.

func Configf(format string, args ...interface{}) *Error {
	return Newf(KindConfig, format, args...)
}

func Validationf(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}

func Agentf(format string, args ...interface{}) *Error {
	return Newf(KindAgent, format, args...)
}

func Mailf(format string, args ...interface{}) *Error {
	return Newf(KindMail, format, args...)
}

func Mergef(format string, args ...interface{}) *Error {
	return Newf(KindMerge, format, args...)
}

func Worktreef(format string, args ...interface{}) *Error {
	return Newf(KindWorktree, format, args...)
}

func Beadsf(format string, args ...interface{}) *Error {
	return Newf(KindBeads, format, args...)
}

// KindOf returns the kind carried by err, or "" for unclassified errors.
// Wrapped chains are searched with errors.As.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Format renders err for stderr in the stable CLI shape:
//
//	Error [<Kind>]: <message>
//	Hint: <hint>
//
// Unclassified errors render as "Error: <message>".
func Format(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return fmt.Sprintf("Error: %v", err)
	}
	s := fmt.Sprintf("Error [%s]: %s", e.Kind, e.Error())
	if e.Hint != "" {
		s += "\nHint: " + e.Hint
	}
	return s
}
