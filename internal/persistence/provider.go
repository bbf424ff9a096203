// Package persistence selects the store engine from the database URL.
package persistence

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tgbridge/tgbridge/internal/common/logger"
	"github.com/tgbridge/tgbridge/internal/store"
	"github.com/tgbridge/tgbridge/internal/store/postgres"
	"github.com/tgbridge/tgbridge/internal/store/sqlite"
)

// Open connects to the engine named by databaseURL and applies the schema.
// postgres:// and postgresql:// URLs select PostgreSQL; sqlite:// URLs, bare
// file paths, and ":memory:" select SQLite.
func Open(ctx context.Context, databaseURL string, log *logger.Logger) (store.Store, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		st, err := postgres.Open(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		if log != nil {
			log.Info("Database initialized", zap.String("db_engine", "postgres"))
		}
		return st, nil
	}

	path := strings.TrimPrefix(databaseURL, "sqlite://")
	st, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if log != nil {
		log.Info("Database initialized", zap.String("db_engine", "sqlite"), zap.String("db_path", path))
	}
	return st, nil
}
