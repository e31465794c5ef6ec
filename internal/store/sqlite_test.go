package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/jobrelay/internal/config"
	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore_Contract(t *testing.T) {
	runBackendSuite(t, openSQLite(t))
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	cfg := &config.Config{Store: config.StoreConfig{Backend: config.BackendSQLite, SQLitePath: path}}
	docs, err := store.Open(ctx, cfg)
	require.NoError(t, err)
	repo, _ := newRepo(docs)
	_, err = repo.Create(ctx, "J1", models.Metadata{ClientName: "acme"})
	require.NoError(t, err)
	require.NoError(t, docs.Close())

	docs, err = store.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	got, err := docs.FindByJobID(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Metadata.ClientName)
}
