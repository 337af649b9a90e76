package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/origin-engine/internal/config"
	"github.com/sells-group/origin-engine/internal/metrics"
	"github.com/sells-group/origin-engine/internal/store"
)

// openStore opens the configured durable store.
func openStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "sqlite":
		dsn := sc.DatabaseURL
		if dsn == "" {
			dsn = "origin.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, &store.PoolConfig{
			MaxConns: sc.MaxConns,
			MinConns: sc.MinConns,
		})
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}

// initServingStore opens and migrates the store used by serve. Durable
// drivers are wrapped with the in-memory fallback when enabled.
func initServingStore(ctx context.Context, sc config.StoreConfig, m *metrics.Metrics) (store.Store, error) {
	st, err := openStore(ctx, sc)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	if sc.Driver == "memory" || !sc.FallbackMemory {
		return st, nil
	}

	return store.NewFallback(st, store.NewMemory(), func(degraded bool) {
		m.SetStoreDegraded(degraded)
		if degraded {
			zap.L().Warn("store unreachable, serving from memory", zap.String("driver", sc.Driver))
		} else {
			zap.L().Info("store reachable again", zap.String("driver", sc.Driver))
		}
	}), nil
}
