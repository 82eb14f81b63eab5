//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStoreContract(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "archsearch.db"))
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	runStoreContract(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "archsearch.db")

	store := NewSQLiteStore(dbPath)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.SaveGenome(ctx, testGenome("g1", 0.33)))
	require.NoError(t, store.Close())

	reopened := NewSQLiteStore(dbPath)
	require.NoError(t, reopened.Init(ctx))
	t.Cleanup(func() { _ = reopened.Close() })
	genome, ok, err := reopened.GetGenome(ctx, "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.33, genome.Fitness)
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	require.Error(t, NewSQLiteStore("").Init(context.Background()))
}

func TestNewStoreSQLite(t *testing.T) {
	store, err := NewStore(KindSQLite, filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, store)
}
