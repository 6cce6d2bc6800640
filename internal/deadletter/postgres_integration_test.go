package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	postgresmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	if os.Getenv("TESTCONTAINERS_RYUK_DISABLED") == "" {
		os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	}

	container, err := postgresmodule.Run(ctx, "postgres:15",
		postgresmodule.WithDatabase("test_db"),
		postgresmodule.WithUsername("test_user"),
		postgresmodule.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		container.Terminate(ctx)
	})

	conn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, db.PingContext(pingCtx))

	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	require.NoError(t, err)

	workDir, err := os.Getwd()
	require.NoError(t, err)
	migrationsPath := filepath.Join(workDir, "..", "..", "migrations", "postgres")

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath), "postgres", driver)
	require.NoError(t, err)

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("failed to run migrations: %v", err)
	}

	return db
}

func TestPostgresSink_AppendAndCount(t *testing.T) {
	db := setupPostgres(t)
	sink := NewPostgresSink(db)
	ctx := context.Background()

	count, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	require.NoError(t, sink.Append(ctx, NewEntry(deadBatch(1, 5), errors.New("db down"))))
	require.NoError(t, sink.Append(ctx, NewEntry(deadBatch(2, 1), errors.New("bad row"))))

	count, err = sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestPostgresSink_AppendIsIdempotent(t *testing.T) {
	db := setupPostgres(t)
	sink := NewPostgresSink(db)
	ctx := context.Background()

	entry := NewEntry(deadBatch(42, 3), errors.New("value too long"))
	require.NoError(t, sink.Append(ctx, entry))
	require.NoError(t, sink.Append(ctx, entry))

	count, err := sink.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	var cause string
	var attempts int
	require.NoError(t, db.QueryRowContext(ctx,
		"SELECT cause, attempt_count FROM dead_letter_batches WHERE sequence_id = 42").
		Scan(&cause, &attempts))
	assert.Equal(t, "value too long", cause)
	assert.Equal(t, 3, attempts)
}
