// nolint: gocritic
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/opusload/opus/internal/pkg/env"
	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/opus/cli"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

func main() {
	if err := run(); err != nil {
		fmt.Println(errors.PrefixError(err, "fatal error").Error()) // nolint:forbidigo
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load ENVs, the ".env" files are used only for keys missing in the OS envs
	logger := log.NewServiceLogger(os.Stderr, false, log.LogFormatConsole) // nolint:forbidigo
	envs := env.LoadDotEnv(ctx, logger, env.FromOs(), []string{"."})

	return cli.NewRootCommand(os.Stdout, os.Stderr, envs).ExecuteContext(ctx) // nolint:forbidigo
}
