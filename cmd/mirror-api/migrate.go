package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/store"
	"github.com/forgemirror/forgemirror/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := initLogger(cfg.Service.LogLevel)
		defer func() { _ = logger.Sync() }()

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}

		s := store.NewStore(db)
		defer s.Close()

		if cfg.Service.MigrationFolder != "" {
			if err := migrations.MigrateStore(db, cfg.Service.MigrationFolder); err != nil {
				zap.S().Fatalf("running migrations: %v", err)
			}
		} else if err := s.InitialMigration(); err != nil {
			zap.S().Fatalf("running initial migration: %v", err)
		}

		zap.S().Info("Db migrated")
		return nil
	},
}
