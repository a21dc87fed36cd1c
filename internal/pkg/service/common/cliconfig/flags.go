package cliconfig

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// nolint: gochecknoglobals
var durationType = reflect.TypeOf(time.Duration(0))

// GenerateFlags generates flags from the config structure to the FlagSet.
// Each field tagged by "mapstructure" tag is mapped to one flag, nested structures are separated by a dot.
// The config parameter can be a structure or a pointer to a structure.
// Field can optionally have a "usage" tag.
// Field value will be set as a default value.
func GenerateFlags(config any, fs *pflag.FlagSet) error {
	return flagsFromStruct(config, fs, nil)
}

func flagsFromStruct(config any, fs *pflag.FlagSet, parents []string) error {
	structValue := reflect.ValueOf(config)
	if structValue.Kind() == reflect.Pointer {
		structValue = structValue.Elem()
	}

	if structValue.Kind() != reflect.Struct {
		return errors.Errorf(`type "%s" is not a struct or a pointer to a struct, it cannot be mapped to the FlagSet`, structValue.Type().String())
	}

	structType := structValue.Type()
	for i := 0; i < structType.NumField(); i++ {
		fieldType := structType.Field(i)
		fieldValue := structValue.Field(i)

		partName, found := fieldType.Tag.Lookup("mapstructure")
		if !found || partName == "-" {
			continue
		}

		fieldPath := append(append([]string{}, parents...), partName)
		flagName := strings.Join(fieldPath, ".")
		usage := fieldType.Tag.Get("usage")

		switch {
		case fieldValue.Type() == durationType:
			fs.Duration(flagName, time.Duration(fieldValue.Int()), usage)
		case fieldValue.Kind() == reflect.String:
			fs.String(flagName, fieldValue.String(), usage)
		case fieldValue.Kind() == reflect.Bool:
			fs.Bool(flagName, fieldValue.Bool(), usage)
		case fieldValue.Kind() == reflect.Int:
			fs.Int(flagName, int(fieldValue.Int()), usage)
		case fieldValue.Kind() == reflect.Int64:
			fs.Int64(flagName, fieldValue.Int(), usage)
		case fieldValue.Kind() == reflect.Float64:
			fs.Float64(flagName, fieldValue.Float(), usage)
		case fieldValue.Kind() == reflect.Slice && fieldValue.Type().Elem().Kind() == reflect.String:
			def, _ := fieldValue.Interface().([]string)
			fs.StringSlice(flagName, def, usage)
		case fieldValue.Kind() == reflect.Struct:
			if err := flagsFromStruct(fieldValue.Interface(), fs, fieldPath); err != nil {
				return err
			}
		default:
			return errors.Errorf(`field "%s" of type "%s" cannot be mapped to a flag`, flagName, fieldValue.Type().String())
		}
	}

	return nil
}
