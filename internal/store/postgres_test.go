package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(2 * time.Minute),
	}
	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("could not start postgres container: %s", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("could not stop postgres container: %s", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return "postgres://testuser:testpassword@" + host + ":" + port.Port() + "/testdb?sslmode=disable"
}

func openPostgresEventually(t *testing.T, url string) *PostgresBandStore {
	t.Helper()
	var (
		s   *PostgresBandStore
		err error
	)
	// The port can accept connections before the server finishes init.
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s, err = OpenPostgres(ctx, url)
		cancel()
		if err == nil {
			return s
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	return nil
}

func TestPostgresBandStoreContract(t *testing.T) {
	url := startPostgres(t)
	s := openPostgresEventually(t, url)
	defer s.Close()

	exerciseBandStore(t, s)
}

func TestPostgresMigrateIsIdempotent(t *testing.T) {
	url := startPostgres(t)
	s := openPostgresEventually(t, url)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
