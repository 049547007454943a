package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// MigrateCmd applies pending database migrations and exits.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Apply all pending database migrations.

Dispatcher and processor also migrate on startup, so this command is only
needed to prepare a database ahead of a deploy.`,
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

		fmt.Printf("Database ready at %s\n", cfg.Database.Path)
		return nil
	},
}
