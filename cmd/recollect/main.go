package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/recollect/recollect/cmd/recollect/commands"
	"github.com/recollect/recollect/logger"
)

var rootCmd = &cobra.Command{
	Use:   "recollect",
	Short: "Recollect - recurring import scheduler and execution pipeline",
	Long: `Recollect - recurring content imports.

Recollect keeps external content sources (RSS feeds, Twitter bookmarks,
Readwise highlights, Google Drive folders) synced into the content store
on a per-record interval.

Available commands:
  migrate    - Apply database migrations
  dispatcher - Run the dispatcher loop (claims due imports, enqueues tasks)
  processor  - Run the processor loop (consumes tasks, runs importers)

Examples:
  recollect migrate                       # Prepare the database
  recollect dispatcher                    # Start a dispatcher replica
  recollect processor                     # Start a processor replica
  recollect processor --config prod.toml  # Run against a config file`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to TOML config file (defaults + RECOLLECT_* env vars when omitted)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs instead of console output")

	rootCmd.AddCommand(commands.MigrateCmd)
	rootCmd.AddCommand(commands.DispatcherCmd)
	rootCmd.AddCommand(commands.ProcessorCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
