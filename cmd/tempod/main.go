package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/cmd/tempod/commands"
	"github.com/teranos/tempo/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tempod",
	Short: "tempo - job scheduling and execution tracking daemon",
	Long: `tempo schedules recurring background jobs, tracks every execution
through its lifecycle and aggregates subtask results.

Examples:
  tempod serve              # Start the scheduler and worker pool
  tempod jobs ls            # List job definitions
  tempod runs ls <job-id>   # List a job's runs
  tempod logs <run-id>      # Show a run's log output`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Root().PersistentFlags().GetBool("json")
		verbosity, _ := cmd.Root().PersistentFlags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail)")
	rootCmd.PersistentFlags().Bool("json", false, "Log in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: ./tempo.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.RunsCmd)
	rootCmd.AddCommand(commands.LogsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
