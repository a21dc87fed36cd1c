package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusload/opus/internal/pkg/env"
	"github.com/opusload/opus/internal/pkg/service/opus/cli"
)

func execute(t *testing.T, envs env.Provider, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := cli.NewRootCommand(&stdout, &stderr, envs)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	t.Parallel()

	out, err := execute(t, env.Empty())
	require.NoError(t, err)
	assert.Contains(t, out, "duke")
	assert.Contains(t, out, "nuke")
	assert.Contains(t, out, "standalone")
	assert.Contains(t, out, "config")
}

func TestConfigDump(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("load:\n  command: ./run.sh\n  max-users: 20\n"), 0o600))

	envs := env.Empty()
	envs.Set("OPUS_ETCD_ENDPOINT", "localhost:2379")
	envs.Set("OPUS_ETCD_PASSWORD", "secret")
	envs.Set("OPUS_LOAD_MAX_USERS", "30")

	out, err := execute(t, envs, "config", "dump", "--config-file", configFile, "--load.user-increase", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "endpoint: localhost:2379\n")
	assert.Contains(t, out, "password: '*****'\n")
	assert.Contains(t, out, "command: ./run.sh\n")
	assert.Contains(t, out, "max-users: \"30\"\n")
	assert.Contains(t, out, "user-increase: \"3\"\n")
	assert.NotContains(t, out, "secret")
}

func TestServiceCommand_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := execute(t, env.Empty(), "nuke", "--store", "memory", "--load.max-users", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), `"load.max-users" is invalid: failed "gte" validation`)

	_, err = execute(t, env.Empty(), "duke")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd endpoint is not set")

	_, err = execute(t, env.Empty(), "duke", "--store", "memory", "--log-format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"log-format" is invalid`)
}
