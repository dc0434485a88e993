package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/run"
)

// RunsCmd groups run inspection and control operations.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and control runs",
}

var runsLsCmd = &cobra.Command{
	Use:   "ls <job-id>",
	Short: "List a job's runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := runService(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		runs, err := svc.List(context.Background(), auth.System, args[0])
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		for _, r := range runs {
			msg := r.Message
			if msg != "" {
				msg = "  " + msg
			}
			fmt.Printf("%s  %-16s  %s%s\n", r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"), msg)
		}
		return nil
	},
}

var runsStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, cleanup, err := runService(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := svc.Stop(context.Background(), auth.System, args[0]); err != nil {
			return err
		}
		fmt.Println("Stop requested.")
		return nil
	},
}

var runsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete finished runs older than the retention window",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, err := cmd.Flags().GetDuration("older-than")
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		conn, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		n, err := run.NewStore(conn).CleanupOldRuns(context.Background(), olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d runs.\n", n)
		return nil
	},
}

func runService(cmd *cobra.Command) (*run.Service, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc := run.NewService(run.NewStore(conn), job.NewStore(conn), nil, nil)
	return svc, func() { conn.Close() }, nil
}

func init() {
	runsCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Retention window for finished runs")

	RunsCmd.AddCommand(runsLsCmd)
	RunsCmd.AddCommand(runsStopCmd)
	RunsCmd.AddCommand(runsCleanupCmd)
}
