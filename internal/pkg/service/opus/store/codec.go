package store

import (
	"github.com/go-playground/validator/v10"

	"github.com/opusload/opus/internal/pkg/encoding/json"
	"github.com/opusload/opus/internal/pkg/service/opus/model"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	kindCommand = "command"
	kindInfo    = "info"
)

// nolint: gochecknoglobals
var validate = validator.New(validator.WithRequiredStructEnabled())

// envelope is the stored form of an entry, the kind determines the type of the value.
type envelope struct {
	Kind    string             `json:"kind"`
	Command *model.NukeCommand `json:"command,omitempty"`
	Info    *model.NukeInfo    `json:"info,omitempty"`
}

// Encode validates the entry and converts it to the stored form.
func Encode(entry model.Entry) ([]byte, error) {
	if err := validate.Struct(entry); err != nil {
		return nil, errors.PrefixErrorf(err, `invalid entry "%s"`, entry.EntryKey())
	}
	if key := entry.EntryKey(); !key.IsZero() && key.Kind != entry.EntryKind() {
		return nil, errors.Errorf(`invalid entry "%s": expected kind "%s"`, key, entry.EntryKind())
	}

	var v envelope
	switch e := entry.(type) {
	case *model.NukeCommand:
		v = envelope{Kind: kindCommand, Command: e}
	case *model.NukeInfo:
		v = envelope{Kind: kindInfo, Info: e}
	default:
		return nil, errors.Errorf(`unexpected entry type "%T"`, entry)
	}

	return json.Encode(v, false)
}

// Decode converts the stored form to a new entry and validates it.
func Decode(data []byte) (model.Entry, error) {
	var v envelope
	if err := json.Decode(data, &v); err != nil {
		return nil, err
	}

	var entry model.Entry
	switch {
	case v.Kind == kindCommand && v.Command != nil:
		entry = v.Command
	case v.Kind == kindInfo && v.Info != nil:
		entry = v.Info
	default:
		return nil, errors.Errorf(`unexpected entry kind "%s"`, v.Kind)
	}

	if err := validate.Struct(entry); err != nil {
		return nil, errors.PrefixErrorf(err, `invalid entry "%s"`, entry.EntryKey())
	}
	return entry, nil
}
