// Package commands implements the recollect CLI subcommands.
package commands

import (
	"database/sql"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/recollect/recollect/config"
	"github.com/recollect/recollect/db"
	"github.com/recollect/recollect/errors"
	"github.com/recollect/recollect/killswitch"
	"github.com/recollect/recollect/logger"
	"github.com/recollect/recollect/queue"
	"github.com/recollect/recollect/worker"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// openDatabase opens the SQLite database and brings the schema up to date.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if dir := filepath.Dir(cfg.Database.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// buildQueue constructs the task queue on the configured transport. The
// SQLite transport shares the main database; Redis gets its own client.
func buildQueue(cfg *config.Config, database *sql.DB) queue.UnorderedQueue {
	if cfg.Queue.Transport == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedisQueue(client, cfg.Queue.Name, queue.RedisConfig{
			Lease:         cfg.Queue.Lease,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
		}, logger.Logger)
	}
	return queue.NewSQLiteQueue(database, cfg.Queue.Name, queue.SQLiteConfig{
		Lease:         cfg.Queue.Lease,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
	}, logger.Logger)
}

// buildKillswitches loads operator flags from the configured file and keeps
// them hot-reloaded. Without a configured file every switch reads as off.
func buildKillswitches(cfg *config.Config) (killswitch.Flags, func(), error) {
	if cfg.Killswitch.Path == "" {
		return killswitch.Static{}, func() {}, nil
	}

	flags, err := killswitch.NewFileFlags(cfg.Killswitch.Path)
	if err != nil {
		return nil, nil, err
	}
	watcher, err := killswitch.NewWatcher(flags, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	return flags, func() { watcher.Close() }, nil
}

func dispatcherLoopConfig(cfg *config.Config, flags killswitch.Flags) worker.LoopConfig {
	return worker.LoopConfig{
		MinDelay:        cfg.Dispatcher.MinDelay,
		MaxDelayOnIdle:  cfg.Dispatcher.MaxDelayOnIdle,
		MaxDelayOnError: cfg.Dispatcher.MaxDelayOnError,
		Skip:            flags.Maintenance,
	}
}

func processorLoopConfig(cfg *config.Config, flags killswitch.Flags) worker.LoopConfig {
	return worker.LoopConfig{
		MinDelay:        cfg.Processor.MinDelay,
		MaxDelayOnIdle:  cfg.Processor.MaxDelayOnIdle,
		MaxDelayOnError: cfg.Processor.MaxDelayOnError,
		Skip:            flags.Maintenance,
	}
}
