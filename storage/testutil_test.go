package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})
	return store
}

func mustSaveTransfer(t *testing.T, store *Store, record TransferRecord) {
	t.Helper()
	require.NoError(t, store.SaveTransfer(record), "save transfer %q", record.AttemptID)
}
