// Package config provides the configuration of the commander and the node.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"

	"github.com/opusload/opus/internal/pkg/env"
	"github.com/opusload/opus/internal/pkg/service/common/cliconfig"
	"github.com/opusload/opus/internal/pkg/service/common/etcdclient"
	"github.com/opusload/opus/internal/pkg/service/opus/metrics"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const (
	StoreEtcd   = "etcd"
	StoreMemory = "memory"

	ConfigFileFlag = "config-file"
)

type Config struct {
	DebugLog       bool              `mapstructure:"debug-log" usage:"Enable debug log level."`
	LogFormat      string            `mapstructure:"log-format" usage:"Log format, \"console\" or \"json\"." validate:"oneof=console json"`
	Store          string            `mapstructure:"store" usage:"Shared store, \"etcd\" or \"memory\", the memory store works only within one process." validate:"oneof=etcd memory"`
	NodeID         int64             `mapstructure:"node-id" usage:"Id of the node, zero value means a new id from the shared store." validate:"gte=0"`
	CommandTimeout time.Duration     `mapstructure:"command-timeout" usage:"Commander aborts a command which has not finished in time, zero value disables the timeout." validate:"gte=0"`
	Etcd           etcdclient.Config `mapstructure:"etcd"`
	Metrics        metrics.Config    `mapstructure:"metrics"`
	Load           Load              `mapstructure:"load"`
	Worker         Worker            `mapstructure:"worker"`
}

// Load describes the load test driven by the commander.
type Load struct {
	MinNodes       int           `mapstructure:"min-nodes" usage:"Load test starts when the number of running nodes is reached." validate:"gte=1"`
	MaxUsers       int           `mapstructure:"max-users" usage:"Maximum number of concurrent users." validate:"gte=1"`
	Interval       time.Duration `mapstructure:"interval" usage:"Interval of the ramp up ticks." validate:"gt=0"`
	UserIncrease   int           `mapstructure:"user-increase" usage:"Number of users added on each ramp up tick." validate:"gte=1"`
	PeakDelay      time.Duration `mapstructure:"peak-delay" usage:"Duration of the peak load." validate:"gte=0"`
	Terminate      time.Duration `mapstructure:"terminate" usage:"Hard deadline of the whole load test." validate:"gt=0"`
	RampDownUpdate time.Duration `mapstructure:"ramp-down-update" usage:"Interval of the ramp down checks." validate:"gt=0"`
	Command        string        `mapstructure:"command" usage:"Command executed by one user." validate:"required"`
	Folder         string        `mapstructure:"folder" usage:"Working directory of the command."`
	Repeated       bool          `mapstructure:"repeated" usage:"Repeat the command until the ramp down."`
}

type Worker struct {
	MaxTasks int `mapstructure:"max-tasks" usage:"Maximum number of commands executed concurrently by the node." validate:"gte=1"`
}

func New() Config {
	return Config{
		LogFormat: "console",
		Store:     StoreEtcd,
		Etcd:      etcdclient.NewConfig(),
		Metrics:   metrics.NewConfig(),
		Load: Load{
			MinNodes:       1,
			MaxUsers:       10,
			Interval:       10 * time.Second,
			UserIncrease:   1,
			PeakDelay:      time.Minute,
			Terminate:      time.Hour,
			RampDownUpdate: 5 * time.Second,
			Command:        "sleep 1",
		},
		Worker: Worker{MaxTasks: 100},
	}
}

// GenerateFlags adds all configuration flags and the config file flag to the FlagSet.
func GenerateFlags(fs *pflag.FlagSet) error {
	fs.StringSlice(ConfigFileFlag, nil, "Path to a YAML configuration file, can be used multiple times.")
	return cliconfig.GenerateFlags(New(), fs)
}

// Bind loads the configuration, priority: 1. flag, 2. ENV, 3. config file, 4. default value.
func Bind(fs *pflag.FlagSet, envs env.Provider) (Config, error) {
	var configFiles []string
	if fs.Lookup(ConfigFileFlag) != nil {
		var err error
		if configFiles, err = fs.GetStringSlice(ConfigFileFlag); err != nil {
			return Config{}, err
		}
	}

	cfg := New()
	if err := cliconfig.BindFlagsAndEnvToStruct(&cfg, fs, envs, env.NewNamingConvention(env.DefaultPrefix), configFiles...); err != nil {
		return Config{}, err
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.Load.Command = strings.TrimSpace(c.Load.Command)
	c.Etcd.Normalize()
}

func (c *Config) Validate() error {
	errs := errors.NewMultiError()

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		return name
	})
	if err := v.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fieldErr := range fieldErrs {
			// Remove the struct name
			_, key, _ := strings.Cut(fieldErr.Namespace(), ".")
			errs.Append(errors.Errorf(`"%s" is invalid: failed "%s" validation`, key, fieldErr.ActualTag()))
		}
	}

	if c.Store == StoreEtcd {
		if err := c.Etcd.Validate(); err != nil {
			errs.Append(err)
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return errors.PrefixError(err, "invalid configuration")
	}
	return nil
}
