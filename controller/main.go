package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashworks/aur-ci/config"
	"github.com/hashworks/aur-ci/connect"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	packagesPath string
	address      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(connect.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	var flags rootFlags

	rootCmd := &cobra.Command{
		Use:           "controller",
		Short:         "Detects package changes, dispatches build tasks and records build results",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&flags.packagesPath, "config", "", "Package list YAML file [$AB_CONFIG_PATH]")
	rootCmd.Flags().StringVar(&flags.address, "addr", "", "Address to bind [$ADDRESS]")

	rootCmd.AddCommand(checkCmd(&flags))
	rootCmd.AddCommand(forceRebuildCmd(&flags))

	return rootCmd
}

// loadConfig reads the environment and applies flag overrides. Failures exit with EXIT_CONFIG.
func loadConfig(flags rootFlags) (config.Controller, *slog.Logger, error) {
	cfg, err := config.LoadController()
	if err != nil {
		return cfg, nil, connect.WithExitCode(connect.EXIT_CONFIG, err)
	}
	if flags.packagesPath != "" {
		cfg.PackagesPath = flags.packagesPath
	}
	if flags.address != "" {
		cfg.Address = flags.address
	}
	if err := cfg.Validate(); err != nil {
		return cfg, nil, connect.WithExitCode(connect.EXIT_CONFIG, err)
	}

	logger, err := config.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, connect.WithExitCode(connect.EXIT_CONFIG, err)
	}
	slog.SetDefault(logger)

	return cfg, logger, nil
}
