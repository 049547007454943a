package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/recollect/recollect/config"
	"github.com/recollect/recollect/content"
	"github.com/recollect/recollect/dispatch"
	"github.com/recollect/recollect/importer"
	"github.com/recollect/recollect/importers/gdrive"
	"github.com/recollect/recollect/importers/readwise"
	"github.com/recollect/recollect/importers/rss"
	"github.com/recollect/recollect/importers/twitter"
	"github.com/recollect/recollect/imports"
	"github.com/recollect/recollect/logger"
	"github.com/recollect/recollect/worker"
)

// ProcessorCmd runs the processor loop in the foreground.
var ProcessorCmd = &cobra.Command{
	Use:   "processor",
	Short: "Run the processor loop",
	Long: `Run the processor loop in foreground mode.

The processor consumes dispatched import tasks from the queue and runs each
one through its source importer: fetch new content, store it, and record the
outcome on the import. Tasks within a batch run serially; run more processor
replicas to scale out.

OAuth-backed sources (twitter, google-drive) need their client credentials
in the config; without them those sources are not registered and their tasks
are retried until a configured replica picks them up.`,
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
		registry := buildRegistry(cfg, store)
		driver := importer.NewDriver(store, content.NewStore(database), registry, flags, logger.Logger)
		processor := dispatch.NewProcessor(store, buildQueue(cfg, database), driver, logger.Logger)

		ctx, cancel := worker.WithShutdown(context.Background(), logger.Logger)
		defer cancel()

		loop := worker.NewLoop("processor", processor.ProcessBatch, processorLoopConfig(cfg, flags), logger.Logger)
		loop.Run(ctx)
		return nil
	},
}

// buildRegistry registers an importer per supported source. Sources whose
// OAuth application credentials are missing from the config are left out.
// Note apple-notes is intentionally absent: those records exist for
// visibility and pausing only, device-side sync pushes the content.
func buildRegistry(cfg *config.Config, store *imports.Store) *importer.Registry {
	log := logger.Logger
	creds := importer.NewCredentialManager(store, log)

	registry := importer.NewRegistry()
	registry.Register(rss.New(log))

	readwiseClient := readwise.NewClient()
	registry.Register(readwise.New(readwiseClient, imports.SourceReadwiseV2, log))
	registry.Register(readwise.New(readwiseClient, imports.SourceReadwiseV3, log))

	if cfg.OAuth.TwitterClientID != "" {
		client := twitter.NewClient(cfg.OAuth.TwitterClientID)
		registry.Register(twitter.New(client, client, creds, log))
	} else {
		log.Warnw("Twitter importer disabled", "reason", "oauth.twitter_client_id not configured")
	}

	if cfg.OAuth.GoogleClientID != "" && cfg.OAuth.GoogleClientSecret != "" {
		client := gdrive.NewClient(cfg.OAuth.GoogleClientID, cfg.OAuth.GoogleClientSecret)
		registry.Register(gdrive.New(client, client, creds, log))
	} else {
		log.Warnw("Google Drive importer disabled", "reason", "oauth.google_client_id / google_client_secret not configured")
	}

	return registry
}
