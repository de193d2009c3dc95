package main

import (
	"os"

	"github.com/bobarin/hookscale/internal/config"
	"github.com/bobarin/hookscale/internal/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "hookscale",
	Short: "Hookscale - combinatorial ad video renderer",
	Long: `Hookscale takes ordered blocks of interchangeable clips (hooks, bodies,
calls to action), enumerates every combination and renders each one into a
single normalized video.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, format := config.LogSettings()
		// stdout is reserved for command output
		logger.Init(logger.Config{Level: level, Format: format, Output: os.Stderr})
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, runCmd, enumerateCmd, migrateCmd)
}
