package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dataspace-hub/connector/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the entity store schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		switch cfg.StoreBackend {
		case config.BackendPostgres, config.BackendSQLite, config.BackendBolt:
		default:
			return fmt.Errorf("store backend %q has no schema", cfg.StoreBackend)
		}
		// Opening the stores applies pending migrations.
		cfg.RedisAddr = ""
		store, err := openBackend(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		logger.Info().Str("backend", cfg.StoreBackend).Msg("schema up to date")
		return store.Close()
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
