// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/fairdata/download-service/config"
	"github.com/fairdata/download-service/internal/database"
)

// Setup starts Postgres, applies the schema and returns a pool plus its
// connection string. Skipped in short mode.
func Setup(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("download"),
		postgres.WithUsername("download"),
		postgres.WithPassword("download"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "Failed to start postgres container")
	t.Cleanup(func() {
		testcontainers.TerminateContainer(container)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")

	pool, err := database.Connect(ctx, config.DatabaseConfig{URL: connStr, MaxConnections: 10})
	require.NoError(t, err, "Failed to create connection pool")
	t.Cleanup(pool.Close)

	require.NoError(t, database.Migrate(ctx, pool), "Failed to run migrations")

	return pool, connStr
}
