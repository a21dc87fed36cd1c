// Package errors extends the standard errors package with stack traces, multi-errors and prefixed errors.
package errors

import (
	stdErrors "errors"
	"fmt"
	"runtime"
)

// StackTrace is a list of program counters, see callers.
type StackTrace []uintptr

type stackTracer interface {
	StackTrace() StackTrace
}

type withStack struct {
	error
	trace StackTrace
}

func (e *withStack) Unwrap() error {
	return e.error
}

func (e *withStack) StackTrace() StackTrace {
	return e.trace
}

// New creates an error with a stack trace.
func New(message string) error {
	return &withStack{error: stdErrors.New(message), trace: callers()}
}

// Errorf creates a formatted error with a stack trace. The %w verb is supported.
func Errorf(format string, a ...any) error {
	return &withStack{error: fmt.Errorf(format, a...), trace: callers()} // nolint: forbidigo
}

// Wrap adds a message before the wrapped error, the result matches the wrapped error in Is/As.
func Wrap(err error, message string) error {
	return &withStack{error: fmt.Errorf("%s: %w", message, err), trace: callers()} // nolint: forbidigo
}

func Wrapf(err error, format string, a ...any) error {
	return Wrap(err, fmt.Sprintf(format, a...))
}

func Is(err, target error) bool {
	return stdErrors.Is(err, target)
}

func As(err error, target any) bool {
	return stdErrors.As(err, target)
}

func Unwrap(err error) error {
	return stdErrors.Unwrap(err)
}

// StackTraceOf returns the outermost stack trace found in the error chain, if any.
func StackTraceOf(err error) StackTrace {
	var v stackTracer
	if As(err, &v) {
		return v.StackTrace()
	}
	return nil
}

func callers() StackTrace {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:])
	return pcs[0:n]
}
