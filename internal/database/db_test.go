package database

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openNamed(t *testing.T, name string, profile DatabaseProfile) *DB {
	t.Helper()

	db, err := New(Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: profile,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrate_CreatesMarketSchema(t *testing.T) {
	db := openNamed(t, "market", ProfileMarket)

	require.NoError(t, db.Migrate())
	// Idempotent: the schema uses IF NOT EXISTS throughout.
	require.NoError(t, db.Migrate())

	var n int
	err := db.Conn().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'
		 AND name IN ('volatilities', 'correlations', 'market_weights', 'views')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMigrate_CreatesCacheSchema(t *testing.T) {
	db := openNamed(t, "cache", ProfileCache)

	require.NoError(t, db.Migrate())

	var n int
	err := db.Conn().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'
		 AND name = 'posterior_snapshots'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMigrate_UnknownNameIsNoop(t *testing.T) {
	db := openNamed(t, "scratch", ProfileCache)
	assert.NoError(t, db.Migrate())
}

func TestHealthCheck(t *testing.T) {
	db := openNamed(t, "market", ProfileMarket)
	require.NoError(t, db.Migrate())

	assert.NoError(t, db.HealthCheck(context.Background()))

	// A closed connection must fail the check, not pass silently.
	require.NoError(t, db.Close())
	assert.Error(t, db.HealthCheck(context.Background()))
}

func TestWithTransaction(t *testing.T) {
	db := openNamed(t, "market", ProfileMarket)
	require.NoError(t, db.Migrate())

	count := func() int {
		var n int
		require.NoError(t, db.Conn().QueryRow(`SELECT COUNT(*) FROM market_weights`).Scan(&n))
		return n
	}

	// Successful function commits.
	err := WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO market_weights (symbol, weight) VALUES ('AAA', 0.5)`)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count())

	// A returned error rolls everything back.
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO market_weights (symbol, weight) VALUES ('BBB', 0.5)`); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)
	assert.Equal(t, 1, count())

	// A panic inside the function is recovered and rolled back.
	err = WithTransaction(db.Conn(), func(tx *sql.Tx) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
	assert.Equal(t, 1, count())

	assert.Error(t, WithTransaction(nil, func(tx *sql.Tx) error { return nil }))
}
