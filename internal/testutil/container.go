package testutil

import (
	"context"
	"fmt"
	"time"

	pkgpostgres "github.com/bissquit/fieldsync/internal/pkg/postgres"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer is a disposable PostgreSQL server for the hub backend.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// NewPostgresContainer starts postgres and waits until it accepts connections.
// Callers terminate it.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("fieldsync"),
		postgres.WithUsername("fieldsync"),
		postgres.WithPassword("fieldsync"),
		// The server restarts once after init, hence two occurrences.
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("get connection string: %w", err)
	}

	return &PostgresContainer{PostgresContainer: container, ConnectionString: dsn}, nil
}

// StoreConfig returns pool settings small enough for tests.
func (c *PostgresContainer) StoreConfig() pkgpostgres.Config {
	return pkgpostgres.Config{
		URL:             c.ConnectionString,
		MaxOpenConns:    5,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
		ConnectAttempts: 3,
	}
}
