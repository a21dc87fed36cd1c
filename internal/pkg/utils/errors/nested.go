package errors

import (
	"fmt"
	"strings"
)

const (
	Indent = "  "
	Bullet = "- "
)

// prefixError is a main message followed by a list of sub-errors.
type prefixError struct {
	prefix string
	errs   MultiError
	trace  StackTrace
}

// PrefixError wraps the error with a prefix, sub-errors are formatted as an indented list.
func PrefixError(err error, prefix string) error {
	errs := NewMultiError()
	errs.Append(err)
	return &prefixError{prefix: prefix, errs: errs, trace: callers()}
}

func PrefixErrorf(err error, format string, a ...any) error {
	return PrefixError(err, fmt.Sprintf(format, a...))
}

func (e *prefixError) Error() string {
	return Format(e)
}

func (e *prefixError) Unwrap() []error {
	return e.errs.WrappedErrors()
}

func (e *prefixError) StackTrace() StackTrace {
	return e.trace
}

// Format converts the error to a string, multi errors are formatted as a bullet list.
func Format(err error) string {
	var out strings.Builder
	writeError(&out, err, 0)
	return out.String()
}

func writeError(out *strings.Builder, err error, level int) {
	switch v := err.(type) { // nolint: errorlint
	case *multiError:
		v.writeTo(out, level)
	case *prefixError:
		out.WriteString(strings.TrimRight(v.prefix, ".,:") + ":")
		errs := v.errs.WrappedErrors()
		if len(errs) == 1 {
			if _, ok := errs[0].(*multiError); !ok { // nolint: errorlint
				out.WriteString(" ")
				writeError(out, errs[0], level)
				return
			}
		}
		out.WriteString("\n")
		for i, sub := range errs {
			if i > 0 {
				out.WriteString("\n")
			}
			if m, ok := sub.(*multiError); ok { // nolint: errorlint
				m.writeTo(out, level+1)
				continue
			}
			out.WriteString(strings.Repeat(Indent, level+1))
			out.WriteString(Bullet)
			writeError(out, sub, level+1)
		}
	default:
		out.WriteString(err.Error())
	}
}
