package log

import (
	"bufio"
	"reflect"
	"strings"

	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"

	"github.com/opusload/opus/internal/pkg/encoding/json"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// jsonMessage is one decoded log line.
type jsonMessage struct {
	line   string
	fields map[string]any
}

// CompareJSONMessages checks that expected messages are present in actual, in the same order.
// Each expected line is a JSON object with a subset of the fields, string values may contain wildcards, for example "%d" or "%A".
// The error contains the first missing message and the actual messages after the last match.
func CompareJSONMessages(expected string, actual string) error {
	expectedMessages, err := decodeJSONMessages(expected)
	if err != nil {
		return errors.PrefixError(err, "invalid expected messages")
	}
	actualMessages, err := decodeJSONMessages(actual)
	if err != nil {
		return errors.PrefixError(err, "invalid actual messages")
	}

	next := 0
	for _, e := range expectedMessages {
		found := false
		from := next
		for next < len(actualMessages) {
			a := actualMessages[next]
			next++
			if e.matches(a) {
				found = true
				break
			}
		}
		if !found {
			var rest strings.Builder
			for _, a := range actualMessages[from:] {
				rest.WriteString(a.line)
				rest.WriteString("\n")
			}
			return errors.Errorf("Expected:\n-----\n%s\n-----\nActual:\n-----\n%s", e.line, strings.TrimRight(rest.String(), "\n"))
		}
	}
	return nil
}

// AssertJSONMessages fails the test if CompareJSONMessages returns an error.
func AssertJSONMessages(t assert.TestingT, expected string, actual string, msgAndArgs ...any) bool {
	if err := CompareJSONMessages(expected, actual); err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	return true
}

// AssertNoJSONMessage fails the test if any actual message matches the unexpected one.
func AssertNoJSONMessage(t assert.TestingT, unexpected string, actual string, msgAndArgs ...any) bool {
	unexpectedMessages, err := decodeJSONMessages(unexpected)
	if err != nil || len(unexpectedMessages) != 1 {
		return assert.Fail(t, `expected exactly one valid unexpected message`, msgAndArgs...)
	}
	actualMessages, err := decodeJSONMessages(actual)
	if err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	for _, a := range actualMessages {
		if unexpectedMessages[0].matches(a) {
			return assert.Fail(t, "Unexpected message:\n"+a.line, msgAndArgs...)
		}
	}
	return true
}

func decodeJSONMessages(str string) ([]jsonMessage, error) {
	var out []jsonMessage
	scanner := bufio.NewScanner(strings.NewReader(strings.Trim(str, "\n")))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := jsonMessage{line: line}
		if err := json.DecodeString(line, &m.fields); err != nil {
			return nil, errors.PrefixErrorf(err, "invalid json line:\n%s", line)
		}
		out = append(out, m)
	}
	return out, scanner.Err()
}

// matches returns true if all fields of the expected message are present in the actual message.
func (e jsonMessage) matches(actual jsonMessage) bool {
	for key, value := range e.fields {
		actualValue, ok := actual.fields[key]
		if !ok || !valueMatches(value, actualValue) {
			return false
		}
	}
	return true
}

func valueMatches(value any, actualValue any) bool {
	if expectedString, ok := value.(string); ok {
		actualString, ok := actualValue.(string)
		return ok && wildcards.Compare(expectedString, actualString) == nil
	}
	return reflect.DeepEqual(actualValue, value)
}
