package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teranos/tempo/job"
	"github.com/teranos/tempo/joblog"
	"github.com/teranos/tempo/logger"
	"github.com/teranos/tempo/notify"
	"github.com/teranos/tempo/registry"
	"github.com/teranos/tempo/run"
	"github.com/teranos/tempo/scheduler"
	"github.com/teranos/tempo/worker"
)

// ServeCmd runs the daemon: scheduler loop plus worker pool, until
// interrupted.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scheduler and worker pool",
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

		log := logger.Named("serve")

		jobs := job.NewStore(conn)
		runStore := run.NewStore(conn)
		logs := joblog.NewSQLStore(conn)

		var notifier run.Notifier
		if cfg.Notify.Enabled {
			notifier = notify.NewEmailNotifier(nil)
		}
		runs := run.NewService(runStore, jobs, nil, notifier)

		pool := worker.NewPool(runs, runStore, logs, worker.Config{
			Workers:      cfg.Worker.Workers,
			PollInterval: cfg.Worker.PollInterval(),
		})

		reg := registry.New()
		if err := registerBuiltinTasks(reg, pool); err != nil {
			return err
		}
		ticker := scheduler.NewTicker(conn, jobs, runStore, reg, pool, scheduler.Config{
			Interval: cfg.Scheduler.Interval(),
		})

		pool.Start()
		ticker.Start()
		defer func() {
			ticker.Stop()
			pool.Stop()
		}()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Infow("tempo daemon running",
			"database", cfg.Database.Path,
			"workers", cfg.Worker.Workers,
			"scheduler_interval", cfg.Scheduler.Interval())
		<-ctx.Done()
		log.Infow("Shutting down")
		return nil
	},
}

// builtinTask pairs a task type with its implementation so the registry and
// the dispatchable set are always registered together.
type builtinTask struct {
	typ registry.TaskType
	fn  worker.TaskFunc
}

// builtinTasks lists the task implementations that ship with the daemon.
// Deployments embedding tempo append their own here.
var builtinTasks = []builtinTask{
	{
		// noop exists so wiring can be exercised end to end without any
		// real task implementation present.
		typ: registry.TaskType{
			ID:          "noop",
			Title:       "No-op",
			Description: "Logs its arguments and succeeds",
		},
		fn: func(ctx context.Context, rec *joblog.Recorder, args map[string]any) (int, error) {
			rec.Info(ctx, "noop task executed", args)
			return 0, nil
		},
	},
}

// registerBuiltinTasks installs every builtin into both the task type
// registry and the pool's dispatch table from the one list.
func registerBuiltinTasks(reg *registry.Registry, pool *worker.Pool) error {
	for i := range builtinTasks {
		b := &builtinTasks[i]
		if err := reg.Register(&b.typ); err != nil {
			return err
		}
		if err := pool.RegisterTask(b.typ.ID, b.fn); err != nil {
			return err
		}
	}
	return nil
}
