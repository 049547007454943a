package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/recollect/recollect/dispatch"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/logger"
	"github.com/recollect/recollect/worker"
)

// DispatcherCmd runs the dispatcher loop in the foreground.
var DispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the dispatcher loop",
	Long: `Run the dispatcher loop in foreground mode.

The dispatcher claims due recurring imports in batches and enqueues one
task per claimed record. Claiming advances each record's schedule, so any
number of replicas can run concurrently without double-dispatching.

The loop drains the backlog at full speed, then backs off while idle.
Maintenance mode (via the killswitch file) pauses claiming without
stopping the process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		flags, stopWatching, err := buildKillswitches(cfg)
		if err != nil {
			return err
		}
		defer stopWatching()

		store := imports.NewStore(database)
		q := buildQueue(cfg, database)
		dispatcher := dispatch.NewDispatcher(store, q, cfg.Dispatcher.BatchSize, logger.Logger)

		ctx, cancel := worker.WithShutdown(context.Background(), logger.Logger)
		defer cancel()

		loop := worker.NewLoop("dispatcher", dispatcher.DispatchDue, dispatcherLoopConfig(cfg, flags), logger.Logger)
		loop.Run(ctx)
		return nil
	},
}
