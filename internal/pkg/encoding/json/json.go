// Package json is a thin wrapper around json-iterator, configured to be compatible with encoding/json.
package json

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// nolint: gochecknoglobals
var api = jsoniter.ConfigCompatibleWithStandardLibrary

func Encode(v any, pretty bool) ([]byte, error) {
	var data []byte
	var err error
	if pretty {
		data, err = api.MarshalIndent(v, "", "  ")
	} else {
		data, err = api.Marshal(v)
	}
	if err != nil {
		return nil, errors.Wrap(err, "json encoding error")
	}
	return data, nil
}

func EncodeString(v any, pretty bool) (string, error) {
	data, err := Encode(v, pretty)
	return string(data), err
}

func MustEncodeString(v any, pretty bool) string {
	out, err := EncodeString(v, pretty)
	if err != nil {
		panic(err)
	}
	return out
}

func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "json decoding error")
	}
	return nil
}

func DecodeString(data string, v any) error {
	return Decode([]byte(data), v)
}
