package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusload/opus/internal/pkg/service/opus/model"
)

func TestCodec(t *testing.T) {
	t.Parallel()

	cmd := model.NewNukeCommand(7, "sleep 1")
	cmd.Key = model.CommandKey(100)
	cmd.State = model.CommandExecute
	cmd.Component = 2

	data, err := Encode(cmd)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"command","command":{"key":"commands/100","txID":7,"command":"sleep 1","state":"EXECUTE","component":2}}`, string(data))

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, cmd, decoded)

	info := model.NewNukeInfo(3)
	info.State = model.NukeRunning
	data, err = Encode(info)
	require.NoError(t, err)
	decoded, err = Decode(data)
	require.NoError(t, err)
	assert.Equal(t, info, decoded)
}

func TestCodec_Invalid(t *testing.T) {
	t.Parallel()

	// Command is required
	_, err := Encode(model.NewNukeCommand(1, ""))
	assert.Error(t, err)

	info := model.NewNukeInfo(3)
	info.ActiveCommands = -1
	_, err = Encode(info)
	assert.Error(t, err)

	// Key of another kind
	cmd := model.NewNukeCommand(1, "ls")
	cmd.Key = model.NodeID(1).Key()
	_, err = Encode(cmd)
	assert.EqualError(t, err, `invalid entry "nodes/1": expected kind "commands"`)

	_, err = Decode([]byte(`{"kind":"foo"}`))
	assert.EqualError(t, err, `unexpected entry kind "foo"`)

	_, err = Decode([]byte(`{"kind":"command","command":{"key":"commands/1","command":"x","state":"FOO"}}`))
	assert.Error(t, err)
}
