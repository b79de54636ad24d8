// Package store opens the ledger store named by the configuration.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/repaircoin/rcn-engine/config"
	"github.com/repaircoin/rcn-engine/ledger"
	memstore "github.com/repaircoin/rcn-engine/ledger/store"
	"github.com/repaircoin/rcn-engine/store/postgres"
	"github.com/repaircoin/rcn-engine/store/sqlite"
	"go.uber.org/zap"
)

// Store is a ledger store with health and reset hooks.
type Store interface {
	ledger.TxStore
	Ping(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Open returns the store for cfg.Driver and a function that releases it.
// Postgres schemas are migrated before the pool opens.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (Store, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return memstore.NewMemory(), func() {}, nil

	case config.DriverPostgres:
		if err := postgres.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
			return nil, nil, fmt.Errorf("failed to migrate postgres: %w", err)
		}
		s, err := postgres.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case config.DriverSQLite, "":
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("failed to close sqlite store", zap.Error(err))
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
