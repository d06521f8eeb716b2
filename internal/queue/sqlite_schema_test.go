package queue

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteRejectsForeignSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")

	store, err := OpenSQLite(path)
	require.NoError(t, err)
	_, err = store.db.Exec("PRAGMA user_version = 42")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = OpenSQLite(path)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestSQLiteReopenKeepsSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.db")
	for i := 0; i < 2; i++ {
		store, err := OpenSQLite(path)
		require.NoError(t, err, "open #%d", i+1)
		require.NoError(t, store.Close())
	}
}
