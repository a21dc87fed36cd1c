package cliconfig

import (
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/opusload/opus/internal/pkg/env"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

type SetBy int

const (
	SetByUnknown SetBy = iota
	SetByFlag
	SetByFlagDefault
	SetByEnv
	SetByConfigFile
)

func (v SetBy) String() string {
	switch v {
	case SetByFlag:
		return "flag"
	case SetByFlagDefault:
		return "default"
	case SetByEnv:
		return "env"
	case SetByConfigFile:
		return "config file"
	default:
		return "unknown"
	}
}

// BindFlagsAndEnvToStruct binds flags and ENVs to the target structure.
// Priority: 1. flag, 2. ENV, 3. config file, 4. flag default value.
func BindFlagsAndEnvToStruct(target any, fs *pflag.FlagSet, envs env.Provider, envNaming *env.NamingConvention, configFiles ...string) error {
	v := viper.New()

	for _, path := range configFiles {
		if err := MergeConfigFile(v, path); err != nil {
			return err
		}
	}

	if _, err := BindFlagsAndEnvToViper(v, fs, envs, envNaming); err != nil {
		return err
	}

	return v.Unmarshal(target, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
}

// BindFlagsAndEnvToViper binds flags and ENVs to the Viper registry.
// Each flag can be set by the ENV with the name generated by the naming convention.
// The returned map describes the source of each value.
func BindFlagsAndEnvToViper(v *viper.Viper, fs *pflag.FlagSet, envs env.Provider, envNaming *env.NamingConvention) (map[string]SetBy, error) {
	errs := errors.NewMultiError()
	setBy := make(map[string]SetBy)

	fs.VisitAll(func(flag *pflag.Flag) {
		// Bind flag, it has the highest priority, if it is set
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			errs.Append(err)
			return
		}

		if flag.Changed {
			setBy[flag.Name] = SetByFlag
			return
		}

		// ENV overrides the config file
		if value, found := lookupEnv(envs, envNaming, flag.Name); found {
			v.Set(flag.Name, value)
			setBy[flag.Name] = SetByEnv
			return
		}

		if v.InConfig(flag.Name) {
			setBy[flag.Name] = SetByConfigFile
		} else {
			setBy[flag.Name] = SetByFlagDefault
		}
	})

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return setBy, nil
}

// MergeConfigFile merges a YAML configuration file to the Viper registry.
func MergeConfigFile(v *viper.Viper, path string) error {
	content, err := os.ReadFile(path) // nolint: gosec
	if err != nil {
		return errors.PrefixErrorf(err, `cannot read config file "%s"`, path)
	}

	values := make(map[string]any)
	if err := yaml.Unmarshal(content, &values); err != nil {
		return errors.PrefixErrorf(err, `cannot decode config file "%s"`, path)
	}

	return v.MergeConfigMap(values)
}

func lookupEnv(envs env.Provider, envNaming *env.NamingConvention, flagName string) (string, bool) {
	if envs == nil || envNaming == nil {
		return "", false
	}
	return envs.Lookup(envNaming.FlagToEnv(flagName))
}
