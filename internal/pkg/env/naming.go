package env

import (
	"github.com/iancoleman/strcase"

	"github.com/opusload/opus/internal/pkg/utils/errors"
)

const DefaultPrefix = "OPUS_"

// NamingConvention maps a flag name to an ENV variable name.
type NamingConvention struct {
	prefix string
}

func NewNamingConvention(prefix string) *NamingConvention {
	return &NamingConvention{prefix: prefix}
}

// FlagToEnv converts flag name to ENV variable name,
// for example "load.max-users" -> "OPUS_LOAD_MAX_USERS".
func (n *NamingConvention) FlagToEnv(flagName string) string {
	if len(flagName) == 0 {
		panic(errors.New("flag name cannot be empty"))
	}
	return n.prefix + strcase.ToScreamingSnake(flagName)
}

func Files() []string {
	// https://github.com/bkeepers/dotenv#what-other-env-files-can-i-use
	return []string{
		".env.local",
		".env",
	}
}
