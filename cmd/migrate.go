package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"chatimport/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		driver := cfg.BasicConfig.DatabaseDriver
		db, err := storage.Open(driver, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := storage.Migrate(db, driver); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", driver)
		return nil
	},
}
