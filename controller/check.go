package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cheggaaa/pb/v3"
	"github.com/hashworks/aur-ci/connect"
	"github.com/hashworks/aur-ci/model"
	"github.com/spf13/cobra"
)

func checkCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check every package once, dispatch build tasks for changed ones and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context(), *flags)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.check(cmd.Context())
		},
	}
}

func (a *app) check(ctx context.Context) error {
	detector := a.newDetector()

	a.logger.Info(fmt.Sprintf("Checking %d packages…", len(a.packages)))
	bar := pb.StartNew(len(a.packages))
	detector.AfterCheck = func(model.PackageConfig) {
		bar.Increment()
	}

	report, err := detector.RunCycle(ctx)
	bar.Finish()
	if err != nil {
		return connect.WithExitCode(connect.EXIT_BROKER, err)
	}

	a.logger.Info("Finished package check", slog.Int("checked", report.Checked), slog.Int("changed", report.Changed), slog.Int("failed", report.Failed))
	return nil
}
