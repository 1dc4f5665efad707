package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	pgdriver "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// externalDSN returns the DSN of the database named by TEST_DB_* variables, or "" when TEST_DB_HOST is unset
func externalDSN() string {
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		return ""
	}
	port := envOr("TEST_DB_PORT", "5432")
	user := envOr("TEST_DB_USER", "postgres")
	password := envOr("TEST_DB_PASSWORD", "postgres")
	name := envOr("TEST_DB_NAME", "test_db")
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// startPostgresContainer starts a throwaway PostgreSQL and returns its DSN.
// The test is skipped when no Docker provider is reachable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	var (
		container *postgres.PostgresContainer
		err       error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("docker unavailable: %v", r)
			}
		}()
		container, err = postgres.Run(ctx,
			"postgres:18-alpine",
			postgres.WithDatabase("ledger_test"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
	}()
	if err != nil {
		t.Skipf("PostgreSQL container not started: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate PostgreSQL container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

// openPGTestDB connects to the test database and loads the schema
func openPGTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := externalDSN()
	if dsn == "" {
		dsn = startPostgresContainer(t)
	}

	db, err := gorm.Open(pgdriver.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	schemaSQL, err := os.ReadFile(filepath.Join("..", "..", "db", "init_pg_db.sql")) //nolint:gosec,G304
	require.NoError(t, err)
	_, err = sqlDB.Exec(string(schemaSQL))
	require.NoError(t, err, "failed to initialize schema")

	return db
}

// TestPostgreSQLStore runs the shared suite against PostgreSQL, each case inside a rolled back transaction
func TestPostgreSQLStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL suite in short mode")
	}
	db := openPGTestDB(t)

	initDB := func(t *testing.T) Store {
		tx := db.Begin()
		require.NoError(t, tx.Error)
		t.Cleanup(func() { tx.Rollback() })
		return NewPGStore(tx)
	}

	RunStoreTests(t, initDB, func(*testing.T) {})
}

func TestNormalizeConnectionPoolSettings(t *testing.T) {
	tests := []struct {
		name                       string
		maxOpen, maxIdle           int
		lifetime, idleTime         time.Duration
		wantOpen, wantIdle         int
		wantLifetime, wantIdleTime time.Duration
	}{
		{
			name:         "zero values take defaults",
			wantOpen:     20,
			wantIdle:     5,
			wantLifetime: 5 * time.Minute,
			wantIdleTime: 10 * time.Minute,
		},
		{
			name:         "idle connections are capped at open connections",
			maxOpen:      4,
			maxIdle:      10,
			lifetime:     time.Minute,
			idleTime:     time.Minute,
			wantOpen:     4,
			wantIdle:     4,
			wantLifetime: time.Minute,
			wantIdleTime: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			maxOpen, maxIdle, lifetime, idleTime := NormalizeConnectionPoolSettings(tt.maxOpen, tt.maxIdle, tt.lifetime, tt.idleTime)
			require.Equal(t, tt.wantOpen, maxOpen)
			require.Equal(t, tt.wantIdle, maxIdle)
			require.Equal(t, tt.wantLifetime, lifetime)
			require.Equal(t, tt.wantIdleTime, idleTime)
		})
	}
}
