// Package fault implements the error convention shared by the expression engine: every error
// surfaced to a caller carries a code, a human-readable reason and a dotted path pinpointing the
// offending sub-expression or pipeline stage.
package fault

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorCode classifies a fault.
type ErrorCode string

const (
	// InvalidArgument is raised at parse time for a malformed operand shape and for stage
	// argument validation failures.
	InvalidArgument ErrorCode = "invalidArgument"

	// CastError is raised at evaluation time when a value falls outside the domain of a type.
	CastError ErrorCode = "castError"

	// UndefinedVariable is raised when a variable reference cannot be resolved.
	UndefinedVariable ErrorCode = "undefinedVariable"

	// UnknownOperator is raised when an operator tag is not registered.
	UnknownOperator ErrorCode = "unknownOperator"

	// Cancelled is raised when the surrounding context is done.
	Cancelled ErrorCode = "cancelled"
)

// Error is a typed fault.
type Error struct {
	Code   ErrorCode
	Reason string
	Path   string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Reason)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path %s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewInvalidArgument creates an invalidArgument fault.
func NewInvalidArgument(path, reason string) error {
	return &Error{Code: InvalidArgument, Reason: reason, Path: path}
}

// NewCastError creates a castError fault.
func NewCastError(path, reason string, cause error) error {
	return &Error{Code: CastError, Reason: reason, Path: path, Err: cause}
}

// NewUndefinedVariable creates an undefinedVariable fault.
func NewUndefinedVariable(path, name string) error {
	return &Error{Code: UndefinedVariable, Reason: fmt.Sprintf("undefined variable %q", name), Path: path}
}

// NewUnknownOperator creates an unknownOperator fault.
func NewUnknownOperator(path, name string) error {
	return &Error{Code: UnknownOperator, Reason: fmt.Sprintf("unknown operator %q", name), Path: path}
}

// NewCancelled creates a cancelled fault wrapping the context error.
func NewCancelled(path string, cause error) error {
	return &Error{Code: Cancelled, Reason: "evaluation cancelled", Path: path, Err: cause}
}

// As returns the outermost fault in the error chain.
func As(err error) (*Error, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Is reports whether the error chain contains a fault with the given code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var f *Error
		if !errors.As(err, &f) {
			return false
		}
		if f.Code == code {
			return true
		}
		err = f.Err
	}
	return false
}

// Join appends path elements to a dotted path.
func Join(path string, elems ...any) string {
	var b strings.Builder
	b.WriteString(path)
	for _, e := range elems {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		switch v := e.(type) {
		case int:
			b.WriteString(strconv.Itoa(v))
		case string:
			b.WriteString(v)
		default:
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}
