package main

import (
	"github.com/spf13/cobra"

	"nanoclaw/internal/config"
	"nanoclaw/internal/logging"
)

var (
	configPath string
	verbose    bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nanoclaw",
		Short: "Autonomous code-delivery orchestrator",
		Long: `nanoclaw routes chat messages into isolated execution lanes, runs AI
coding agents in disposable containers, and enforces the dispatch and
completion contracts between the planning lane and its workers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if verbose {
				logging.SetRootLevel(logging.LevelDebug)
			}
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (yaml)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPreflightCmd())
	root.AddCommand(newRunsCmd())
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
