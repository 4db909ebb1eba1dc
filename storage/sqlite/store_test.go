package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cyp0633/meetsync/storage"
	"github.com/cyp0633/meetsync/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		s, err := Open(filepath.Join(t.TempDir(), "meetsync.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "meetsync.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, path, s.Path())
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
