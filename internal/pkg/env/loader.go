package env

import (
	"context"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// LoadDotEnv loads envs from ".env" files if they exist. Existing envs take precedence.
func LoadDotEnv(ctx context.Context, logger log.Logger, osEnvs *Map, dirs []string) *Map {
	envs := osEnvs.Clone()

	for _, dir := range dirs {
		for _, file := range Files() {
			path := filepath.Join(dir, file)
			info, err := os.Stat(path)
			switch {
			case err != nil && os.IsNotExist(err):
				continue
			case err != nil:
				logger.Warnf(ctx, `cannot check if path "%s" exists: %s`, path, err)
				continue
			case info.IsDir():
				continue
			}

			fileEnvs, err := LoadEnvFile(path)
			if err != nil {
				logger.Warn(ctx, err.Error())
				continue
			}
			logger.Infof(ctx, `loaded env file "%s"`, path)

			// Merge ENVs, existing keys take precedence.
			envs.Merge(fileEnvs, false)
		}
	}

	return envs
}

func LoadEnvFile(path string) (*Map, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf(`cannot read env file "%s": %w`, path, err)
	}

	envs, err := LoadEnvString(string(content))
	if err != nil {
		return nil, errors.Errorf(`cannot parse env file "%s": %w`, path, err)
	}

	return envs, nil
}

func LoadEnvString(str string) (*Map, error) {
	envsMap, err := godotenv.Unmarshal(str)
	if err != nil {
		return nil, err
	}

	return FromMap(envsMap), nil
}
