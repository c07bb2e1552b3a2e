package main

import (
	"context"
	"fmt"

	corecfg "github.com/aevon-lab/tally/internal/core/config"
	"github.com/aevon-lab/tally/internal/core/storage"
	badgerstore "github.com/aevon-lab/tally/internal/core/storage/badger"
	"github.com/aevon-lab/tally/internal/core/storage/postgres"
	"github.com/aevon-lab/tally/internal/migrations"
)

// openStore opens the configured persistence backend.
func openStore(_ context.Context, cfg *corecfg.Config) (storage.Store, error) {
	switch cfg.Database.Type {
	case corecfg.DatabasePostgres:
		db, err := postgres.Connect(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		// Run Database Migrations
		if err := migrations.RunMigrations(db, cfg.Database.AutoMigrate); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
		store, err := postgres.NewStore(db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil

	case corecfg.DatabaseBadger:
		store, err := badgerstore.Open(badgerstore.Config{
			Path:     cfg.Database.BadgerPath,
			InMemory: cfg.Database.BadgerInMemory,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}
