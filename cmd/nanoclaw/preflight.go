package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"nanoclaw/internal/container"
	"nanoclaw/internal/ipc"
	"nanoclaw/internal/logging"
	"nanoclaw/internal/store"
)

func newPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check config, database and container runtime without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx := cmd.Context()

			st, err := store.Open(ctx, cfg.DBPath, logging.Nop())
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer st.Close()
			groups, err := st.ListGroups(ctx)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}

			for _, g := range groups {
				if err := ipc.EnsureLaneDirs(cfg.IPCRoot, g.Folder); err != nil {
					return fmt.Errorf("ipc tree: %w", err)
				}
			}

			driver := container.NewCLIDriver(cfg.ContainerRuntime, cfg.ContainerNamePrefix, logging.Nop())
			if err := checkRuntime(ctx, driver); err != nil {
				return err
			}

			fmt.Printf("config ok (%d lanes registered)\n", len(groups))
			fmt.Printf("ipc tree ok at %s\n", cfg.IPCRoot)
			fmt.Printf("container runtime %q ok\n", cfg.ContainerRuntime)
			return nil
		},
	}
}

func checkRuntime(ctx context.Context, driver *container.CLIDriver) error {
	if err := driver.EnsureRuntimeRunning(ctx); err != nil {
		return fmt.Errorf("container runtime: %w", err)
	}
	if err := driver.CleanupOrphans(ctx); err != nil {
		return fmt.Errorf("orphan cleanup: %w", err)
	}
	return nil
}
