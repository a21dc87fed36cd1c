package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opusload/opus/internal/pkg/env"
)

func TestConfig_Default(t *testing.T) {
	t.Parallel()

	cfg := New()
	cfg.Store = StoreMemory
	cfg.Normalize()
	assert.NoError(t, cfg.Validate())

	// Etcd is validated only if it is used
	cfg.Store = StoreEtcd
	assert.EqualError(t, cfg.Validate(), "invalid configuration: etcd endpoint is not set")
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := New()
	cfg.Store = StoreMemory
	cfg.LogFormat = "xml"
	cfg.Load.MaxUsers = 0
	cfg.Load.Interval = 0
	cfg.Load.Command = ""
	cfg.Worker.MaxTasks = 0

	expected := `
invalid configuration:
  - "log-format" is invalid: failed "oneof" validation
  - "load.max-users" is invalid: failed "gte" validation
  - "load.interval" is invalid: failed "gt" validation
  - "load.command" is invalid: failed "required" validation
  - "worker.max-tasks" is invalid: failed "gte" validation
`
	assert.EqualError(t, cfg.Validate(), expected[1:len(expected)-1])
}

func TestBind(t *testing.T) {
	t.Parallel()

	configFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
store: memory
load:
  max-users: 50
  command: "sleep 5"
`), 0o600))

	envs := env.Empty()
	envs.Set("OPUS_LOAD_USER_INCREASE", "5")
	envs.Set("OPUS_LOAD_MAX_USERS", "40")

	fs := pflag.NewFlagSet("opus", pflag.ContinueOnError)
	require.NoError(t, GenerateFlags(fs))
	require.NoError(t, fs.Parse([]string{
		"--config-file", configFile,
		"--load.interval", "2s",
		"--load.max-users", "30",
		"--debug-log",
	}))

	cfg, err := Bind(fs, envs)
	require.NoError(t, err)

	expected := New()
	expected.Store = StoreMemory
	expected.DebugLog = true
	expected.Load.MaxUsers = 30
	expected.Load.UserIncrease = 5
	expected.Load.Interval = 2 * time.Second
	expected.Load.Command = "sleep 5"
	expected.Normalize()
	assert.Equal(t, expected, cfg)
}
