package errors

import (
	"strings"
	"sync"
)

// MultiError collects errors, for example from a validation of more fields.
type MultiError interface {
	error
	Len() int
	Unwrap() []error
	WrappedErrors() []error
	Append(errs ...error)
	AppendWithPrefix(err error, prefix string)
	AppendWithPrefixf(err error, format string, a ...any)
	ErrorOrNil() error
}

type multiError struct {
	lock   *sync.Mutex
	errors []error
}

// NewMultiError creates an empty thread-safe collection of errors.
func NewMultiError() MultiError {
	return &multiError{lock: &sync.Mutex{}}
}

func (e *multiError) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.errors)
}

func (e *multiError) Append(errs ...error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, err := range errs {
		if err == nil {
			continue
		}
		// Flatten nested multi errors
		if v, ok := err.(*multiError); ok { // nolint: errorlint
			e.errors = append(e.errors, v.WrappedErrors()...)
		} else {
			e.errors = append(e.errors, err)
		}
	}
}

func (e *multiError) AppendWithPrefix(err error, prefix string) {
	if err != nil {
		e.Append(PrefixError(err, prefix))
	}
}

func (e *multiError) AppendWithPrefixf(err error, format string, a ...any) {
	if err != nil {
		e.Append(PrefixErrorf(err, format, a...))
	}
}

func (e *multiError) WrappedErrors() []error {
	e.lock.Lock()
	defer e.lock.Unlock()
	out := make([]error, len(e.errors))
	copy(out, e.errors)
	return out
}

func (e *multiError) Unwrap() []error {
	return e.WrappedErrors()
}

// ErrorOrNil returns nil if no error has been appended.
// A single error is returned unwrapped.
func (e *multiError) ErrorOrNil() error {
	errs := e.WrappedErrors()
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return e
	}
}

func (e *multiError) Error() string {
	return Format(e)
}

func (e *multiError) writeTo(out *strings.Builder, level int) {
	for i, err := range e.WrappedErrors() {
		if i > 0 {
			out.WriteString("\n")
		}
		out.WriteString(strings.Repeat(Indent, level))
		out.WriteString(Bullet)
		writeError(out, err, level)
	}
}
