package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseAndAppliesMigrations(t *testing.T) {
	dataDir := t.TempDir()
	store, dbPath, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, store.Close())
	}()

	assert.Equal(t, filepath.Join(dataDir, DefaultDBFileName), dbPath)
	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file not created")

	var version int
	require.NoError(t, store.db.QueryRow("PRAGMA user_version;").Scan(&version))
	assert.Equal(t, len(migrations), version)

	var journalMode string
	require.NoError(t, store.db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var count int
	require.NoError(t, store.db.QueryRow(
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?",
		"transfers",
	).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	dataDir := t.TempDir()
	first, _, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, first.SaveTransfer(TransferRecord{
		AttemptID: "attempt-1",
		Code:      "ABC123",
		Role:      TransferRoleSender,
		StartedAt: nowUnixMilli(),
	}))
	require.NoError(t, first.Close())

	second, _, err := Open(dataDir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, second.Close())
	}()

	got, err := second.GetTransfer("attempt-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", got.Code)
}

func TestCloseIsIdempotent(t *testing.T) {
	store, _, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	var nilStore *Store
	require.NoError(t, nilStore.Close())
}
