package main

import (
	"fmt"
	"log/slog"

	"github.com/hashworks/aur-ci/logfields"
	"github.com/spf13/cobra"
)

func forceRebuildCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "force-rebuild <name>...",
		Short: "Mark packages as changed so the next check dispatches a build",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig(*flags)
			if err != nil {
				return err
			}
			s, err := connectStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.Close()

			for _, name := range args {
				pkg, err := s.GetPackageByName(ctx, name)
				if err != nil {
					return err
				}
				if err := s.ResetLastModified(ctx, pkg.Id); err != nil {
					return err
				}
				logger.Info("Package marked for rebuild", logfields.Package(name), slog.Int64("package_id", pkg.Id))
			}
			fmt.Printf("ok: %d package(s) will be rebuilt with the next check\n", len(args))
			return nil
		},
	}
}
