package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/auth"
	"github.com/teranos/tempo/errors"
	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/run"
)

// JobsCmd groups job definition operations.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job definitions",
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls [search-term]",
	Short: "List job definitions",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		conn, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer conn.Close()

		svc := job.NewService(job.NewStore(conn), nil)
		lastRuns := run.NewLastRunCache(run.NewStore(conn))
		term := ""
		if len(args) == 1 {
			term = args[0]
		}
		jobs, err := svc.Search(context.Background(), auth.System, term)
		if err != nil {
			return err
		}

		if len(jobs) == 0 {
			fmt.Println("No jobs defined.")
			return nil
		}
		for _, j := range jobs {
			state := "inactive"
			if j.Active {
				state = "active"
			}
			sched := "manual"
			if j.Schedule != nil {
				sched = string(j.Schedule.Type)
			}
			lastRun := "never run"
			if last, err := lastRuns.Get(context.Background(), j.ID); err == nil {
				lastRun = fmt.Sprintf("last=%s", last.Status)
			} else if !errors.IsNotFoundError(err) {
				return err
			}
			fmt.Printf("%s  %-30s  task=%-16s  %s  schedule=%s  %s\n",
				j.ID, j.Title, j.Task, state, sched, lastRun)
		}
		return nil
	},
}

func init() {
	JobsCmd.AddCommand(jobsLsCmd)
}
