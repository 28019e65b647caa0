// Package e2e runs pgactivity against a real PostgreSQL server: the one
// named by PGACTIVITY_TEST_DATABASE_URL, or a throwaway postgres:16
// container started with testcontainers.
package e2e

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	// DatabaseURLEnv names an existing database to test against instead of
	// starting a container.
	DatabaseURLEnv = "PGACTIVITY_TEST_DATABASE_URL"

	// ContainerImage is the server started when DatabaseURLEnv is unset.
	ContainerImage = "postgres:16-alpine"

	// ContainerStartTimeout is how long to wait for the container to accept
	// connections.
	ContainerStartTimeout = 2 * time.Minute
)

// Harness manages the test database lifecycle.
type Harness struct {
	url       string
	container *postgres.PostgresContainer
	logger    *slog.Logger
}

// NewHarness creates a harness. Call Start before use.
func NewHarness() *Harness {
	return &Harness{
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
	}
}

// Start resolves the database to test against, starting a container when
// no URL is configured.
func (h *Harness) Start(ctx context.Context) error {
	if url := os.Getenv(DatabaseURLEnv); url != "" {
		h.url = url
		h.logger.Info("using existing database", "env", DatabaseURLEnv)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, ContainerStartTimeout)
	defer cancel()

	h.logger.Info("starting postgres container", "image", ContainerImage)
	container, err := postgres.Run(ctx,
		ContainerImage,
		postgres.WithDatabase("pgactivity_test"),
		postgres.WithUsername("pgactivity"),
		postgres.WithPassword("pgactivity"),
		testcontainers.WithEnv(map[string]string{"TZ": "UTC"}),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return fmt.Errorf("start postgres container: %w", err)
	}
	h.container = container

	h.url, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("container connection string: %w", err)
	}
	h.logger.Info("postgres container ready")
	return nil
}

// Stop terminates the container, if one was started.
func (h *Harness) Stop() {
	if h.container == nil {
		return
	}
	if err := testcontainers.TerminateContainer(h.container); err != nil {
		h.logger.Warn("failed to terminate postgres container", "error", err)
	}
}

// URL returns the connection string of the test database.
func (h *Harness) URL() string {
	return h.url
}

// Connect opens a pool to the test database.
func (h *Harness) Connect(ctx context.Context) (*pgxpool.Pool, error) {
	return pgxpool.New(ctx, h.url)
}

// ConnectSingle opens a single connection to the test database.
func (h *Harness) ConnectSingle(ctx context.Context) (*pgx.Conn, error) {
	return pgx.Connect(ctx, h.url)
}
