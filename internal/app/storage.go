package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/encore/internal/config"
	"github.com/MrWong99/encore/pkg/store"
	"github.com/MrWong99/encore/pkg/store/memstore"
	"github.com/MrWong99/encore/pkg/store/postgres"
	"github.com/MrWong99/encore/pkg/store/sqlite"
)

// OpenStore opens the persistence backend selected by cfg.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoragePostgres:
		s, err := postgres.NewStore(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open postgres store: %w", err)
		}
		slog.Info("storage ready", "driver", cfg.Driver)
		return s, nil
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: open sqlite store: %w", err)
		}
		slog.Info("storage ready", "driver", cfg.Driver, "path", cfg.DSN)
		return s, nil
	case config.StorageMemory, "":
		slog.Info("storage ready", "driver", config.StorageMemory)
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("app: unknown storage driver %q", cfg.Driver)
	}
}
