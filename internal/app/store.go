package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/vovakirdan/guffghar-rt/internal/config"
	"github.com/vovakirdan/guffghar-rt/internal/store"
	"github.com/vovakirdan/guffghar-rt/internal/store/postgres"
	"github.com/vovakirdan/guffghar-rt/internal/store/sqlite"
)

// OpenStore opens the persistence gateway named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		st, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return st, nil
	case "postgres", "postgresql", "pgx":
		st, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
