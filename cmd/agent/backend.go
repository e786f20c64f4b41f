package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/care-sync/internal/config"
	"github.com/example/care-sync/internal/storage"
)

// openBackend builds the configured persistence backend and its closer.
func openBackend(ctx context.Context, cfg config.ClientConfig, migration string, logger *slog.Logger) (storage.Backend, func(), error) {
	noop := func() {}
	switch cfg.StoreBackend {
	case "memory":
		return storage.NewMemoryStore(), noop, nil
	case "file":
		fs, err := storage.NewFileStore(cfg.StoreDir)
		if err != nil {
			return nil, noop, err
		}
		return fs, noop, nil
	case "redis":
		return storage.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword), noop, nil
	case "postgres":
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres store: %w", err)
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx, migration); err != nil {
				_ = pg.Close()
				return nil, noop, err
			}
			logger.Info("migration applied", "file", migration)
		}
		return pg, func() { _ = pg.Close() }, nil
	}
	return nil, noop, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
