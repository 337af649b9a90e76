//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("origin_test"),
		postgres.WithUsername("origin"),
		postgres.WithPassword("origin_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	storeTestSuite(t, func(t *testing.T) Store {
		s, err := NewPostgres(ctx, dsn, &PoolConfig{MaxConns: 4})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() }) //nolint:errcheck
		require.NoError(t, s.Migrate(ctx))
		_, err = s.pool.Exec(ctx, `TRUNCATE origin_certificates, partner_webhooks, dead_letters`)
		require.NoError(t, err)
		return s
	})
}
