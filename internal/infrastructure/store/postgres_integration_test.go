//go:build integration

package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pricelens/backend/internal/domain"
)

// postgresDSN returns TEST_DB_DSN when set, otherwise starts a container
func postgresDSN(t *testing.T) string {
	if dsn := os.Getenv("TEST_DB_DSN"); dsn != "" {
		return dsn
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pricelens_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			fmt.Printf("Failed to terminate PostgreSQL container: %v\n", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func TestPostgresStore(t *testing.T) {
	dsn := postgresDSN(t)
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, PostgresConfig{DSN: dsn, AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	db := s.(*pgStore).db
	runStoreSuite(t, func(t *testing.T) domain.Store {
		require.NoError(t, db.Exec("TRUNCATE canonical_products, chain_prices, resolution_cache").Error)
		return s
	})
}
