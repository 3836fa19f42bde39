package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func migratedTestDB(t *testing.T) *DB {
	t.Helper()
	database := openTestDB(t)
	require.NoError(t, NewMigrator(database.DB, Migrations()).Up())
	return database
}

func TestMigrateUpFromEmpty(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB, Migrations())

	require.NoError(t, m.Up())

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)

	// Core tables exist.
	for _, table := range []string{"entities", "mutation_queue", "sync_state"} {
		var n int
		err := database.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "missing table %s", table)
	}

	// The sync state row is seeded.
	var cursor string
	require.NoError(t, database.QueryRow("SELECT cursor FROM sync_state WHERE id = 1").Scan(&cursor))
	assert.Empty(t, cursor)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	database := openTestDB(t)
	m := NewMigrator(database.DB, Migrations())

	require.NoError(t, m.Up())
	require.NoError(t, m.Up())

	applied, err := m.AppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, 1, applied[0].Version)
	assert.Len(t, applied[0].Checksum, 64)
}
