package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/joblog"
)

// LogsCmd shows a run's log output through the bounded reader.
var LogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Show a run's log output",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cursor, err := cmd.Flags().GetInt("cursor")
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

		reader := joblog.NewReader(joblog.NewSQLStore(conn), cfg.Logs.MaxResults, cfg.Logs.BatchSize)
		result, err := reader.Fetch(context.Background(), joblog.Query{RunID: args[0]}, cursor)
		if err != nil {
			return err
		}

		// Entries arrive newest first; print oldest first for reading.
		for i := len(result.Entries) - 1; i >= 0; i-- {
			e := result.Entries[i]
			fmt.Printf("%s  %-7s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
		}
		if result.Warning != nil {
			fmt.Printf("\n%s\n", result.Warning.Message)
		}
		if result.NextCursor != nil {
			fmt.Printf("Older entries: --cursor %d\n", *result.NextCursor)
		}
		return nil
	},
}

func init() {
	LogsCmd.Flags().Int("cursor", 0, "Read entries starting this many below the newest")
}
