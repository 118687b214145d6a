// Package testdb opens a migrated PostgreSQL database for integration
// tests. Tests are skipped unless CONJURE_TEST_DATABASE_URL is set.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/phrazzld/conjure-api/internal/platform/postgres"
	"github.com/stretchr/testify/require"
)

// EnvDatabaseURL names the variable holding the test database URL.
const EnvDatabaseURL = "CONJURE_TEST_DATABASE_URL"

// TestTimeout bounds setup and cleanup statements.
const TestTimeout = 10 * time.Second

// URL returns the configured test database URL, or "".
func URL() string {
	return os.Getenv(EnvDatabaseURL)
}

// Open connects to the test database, applies the migrations and empties
// every table. The connection is closed when the test ends.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := URL()
	if url == "" {
		t.Skipf("%s not set; skipping database test", EnvDatabaseURL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := postgres.Open(ctx, config.DatabaseConfig{URL: url, MaxOpenConns: 10}, quiet)
	require.NoError(t, err, "failed to connect to test database")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, postgres.Migrate(ctx, db, "up", quiet), "failed to migrate test database")
	Reset(t, db)
	return db
}

// Reset truncates all application tables.
func Reset(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), TestTimeout)
	defer cancel()
	_, err := db.ExecContext(ctx,
		`TRUNCATE ledger_reservations, ledger_entries, ledger_accounts, tasks`)
	require.NoError(t, err, "failed to reset test database")
}

// WithTx runs fn inside a transaction that is always rolled back.
func WithTx(t *testing.T, db *sql.DB, fn func(t *testing.T, tx *sql.Tx)) {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err, "failed to begin transaction")
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Logf("failed to roll back transaction: %v", err)
		}
	}()
	fn(t, tx)
}
