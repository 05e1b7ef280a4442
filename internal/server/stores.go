package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-importer/internal/config"
	"github.com/JakeFAU/recipe-importer/internal/importer"
	memoryStorage "github.com/JakeFAU/recipe-importer/internal/storage/memory"
	pgstore "github.com/JakeFAU/recipe-importer/internal/storage/postgres"
	"github.com/JakeFAU/recipe-importer/internal/storage/sqlite"
)

// Stores bundles the job and recipe persistence selected by storage.backend.
type Stores struct {
	Jobs    importer.JobStore
	Recipes importer.RecipeStore
	// Ping is nil for backends with nothing to probe.
	Ping  func(context.Context) error
	close func() error
}

// Close releases the backend's connections.
func (s Stores) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// OpenStores connects the configured backend and makes sure its schema exists.
func OpenStores(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Stores, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return Stores{}, fmt.Errorf("sqlite store init failed: %w", err)
		}
		logger.Info("using sqlite storage backend", zap.String("path", cfg.SQLite.Path))
		return Stores{Jobs: db, Recipes: db, Ping: db.Ping, close: db.Close}, nil
	case config.BackendPostgres:
		db, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return Stores{}, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := db.EnsureSchema(ctx); err != nil {
			db.Close()
			return Stores{}, fmt.Errorf("postgres schema init failed: %w", err)
		}
		logger.Info("using postgres storage backend",
			zap.Int32("max_conns", cfg.Postgres.MaxConns),
			zap.Duration("max_conn_lifetime", cfg.Postgres.MaxConnLifetime))
		return Stores{
			Jobs:    db,
			Recipes: db,
			Ping:    db.Ping,
			close: func() error {
				db.Close()
				return nil
			},
		}, nil
	default:
		logger.Warn("using in-memory storage backend; jobs are lost on restart")
		return Stores{Jobs: memoryStorage.NewJobStore(), Recipes: memoryStorage.NewRecipeStore()}, nil
	}
}
