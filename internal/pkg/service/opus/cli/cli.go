// Package cli defines commands of the opus binary.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opusload/opus/internal/pkg/env"
	"github.com/opusload/opus/internal/pkg/log"
	"github.com/opusload/opus/internal/pkg/service/common/cliconfig"
	"github.com/opusload/opus/internal/pkg/service/common/servicectx"
	"github.com/opusload/opus/internal/pkg/service/opus/config"
	"github.com/opusload/opus/internal/pkg/service/opus/dependencies"
	"github.com/opusload/opus/internal/pkg/service/opus/duke"
	"github.com/opusload/opus/internal/pkg/service/opus/nuke"
	"github.com/opusload/opus/internal/pkg/service/opus/nuke/executor"
	"github.com/opusload/opus/internal/pkg/utils/errors"
)

// startFn starts components of one service, the process runs until it is shut down.
type startFn func(ctx context.Context, d dependencies.ServiceScope) error

// NewRootCommand creates parent of all sub-commands.
func NewRootCommand(stdout io.Writer, stderr io.Writer, envs env.Provider) *cobra.Command {
	root := &cobra.Command{
		Use:           "opus",
		Short:         "Distributed load test runner.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		serviceCommand("duke", "Run the commander, it drives the load test.", envs, nil, startDuke),
		serviceCommand("nuke", "Run a node, it executes commands of the commander.", envs, nil, startNuke),
		serviceCommand("standalone", "Run the commander and \"load.min-nodes\" nodes in one process, with the in-memory store.", envs, standaloneFlags, startStandalone),
		configCommand(envs),
	)
	return root
}

func serviceCommand(use, short string, envs env.Provider, modify func(fs *pflag.FlagSet) error, start startFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if modify != nil {
				if err := modify(cmd.Flags()); err != nil {
					return err
				}
			}
			cfg, err := config.Bind(cmd.Flags(), envs)
			if err != nil {
				return err
			}
			return runService(cmd.Context(), cmd.OutOrStdout(), use, cfg, start)
		},
	}
	if err := config.GenerateFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

// standaloneFlags forces the in-memory store, ids of the nodes are allocated by the store.
func standaloneFlags(fs *pflag.FlagSet) error {
	if err := fs.Set("store", config.StoreMemory); err != nil {
		return err
	}
	return fs.Set("node-id", "0")
}

func configCommand(envs env.Provider) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers.",
	}

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration as YAML, sensitive values are masked.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Bind(cmd.Flags(), envs)
			if err != nil {
				return err
			}
			kvs, err := cliconfig.Dump(cfg)
			if err != nil {
				return err
			}
			out, err := kvs.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	if err := config.GenerateFlags(dump.Flags()); err != nil {
		panic(err)
	}

	cmd.AddCommand(dump)
	return cmd
}

func runService(ctx context.Context, stdout io.Writer, name string, cfg config.Config, start startFn) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	format, err := log.NewLogFormat(cfg.LogFormat)
	if err != nil {
		return err
	}
	logger := log.NewServiceLogger(stdout, cfg.DebugLog, format).WithComponent(name)

	kvs, err := cliconfig.Dump(cfg)
	if err != nil {
		return err
	}
	logger.Infof(ctx, "configuration: %s", kvs.String())

	proc, err := servicectx.New(ctx, cancel, logger)
	if err != nil {
		return err
	}

	d, err := dependencies.NewServiceScope(ctx, cfg, proc, logger)
	if err != nil {
		return err
	}

	if err := start(ctx, d); err != nil {
		proc.Shutdown(err)
		proc.WaitForShutdown()
		return err
	}

	proc.WaitForShutdown()
	return nil
}

func startDuke(ctx context.Context, d dependencies.ServiceScope) error {
	c := duke.New(d)
	if err := c.Start(ctx); err != nil {
		return err
	}

	// The process stops when the load test is finished
	d.Process().Add(func(ctx context.Context, _ chan<- error) {
		select {
		case <-ctx.Done():
		case <-c.Done():
			d.Process().Shutdown(errors.Errorf(`load test finished in state "%s"`, c.Distributor().State()))
		}
	})
	return nil
}

func startNuke(ctx context.Context, d dependencies.ServiceScope) error {
	tasks := nuke.New(d, executor.NewProcess(d.Logger()))
	if err := tasks.Start(ctx); err != nil {
		return err
	}
	d.Process().OnShutdown(tasks.Shutdown)
	return nil
}

func startStandalone(ctx context.Context, d dependencies.ServiceScope) error {
	for range d.Config().Load.MinNodes {
		if err := startNuke(ctx, d); err != nil {
			return err
		}
	}
	return startDuke(ctx, d)
}
