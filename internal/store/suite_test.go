package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/jobrelay/internal/store"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runBackendSuite exercises the DocumentStore contract every backend shares.
func runBackendSuite(t *testing.T, docs store.DocumentStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, docs.Ping(ctx))
	})

	t.Run("CreateAndGetByJobID", func(t *testing.T) {
		repo, _ := newRepo(docs)
		q := 2
		job, err := repo.Create(ctx, "suite-create", models.Metadata{
			ClientName:    "acme",
			QueuePosition: &q,
			Extra:         map[string]any{"rider": "sam"},
		})
		require.NoError(t, err)

		got, err := repo.GetByJobID(ctx, "suite-create")
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
		assert.Equal(t, "acme", got.Metadata.ClientName)
		require.NotNil(t, got.Metadata.QueuePosition)
		assert.Equal(t, 2, *got.Metadata.QueuePosition)
		assert.Equal(t, "sam", got.Metadata.Extra["rider"])
	})

	t.Run("DuplicateJobID", func(t *testing.T) {
		repo, _ := newRepo(docs)
		_, err := repo.Create(ctx, "suite-dup", models.Metadata{})
		require.NoError(t, err)
		_, err = repo.Create(ctx, "suite-dup", models.Metadata{})
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})

	t.Run("UpdateAndDelete", func(t *testing.T) {
		repo, _ := newRepo(docs)
		job, err := repo.Create(ctx, "suite-update", models.Metadata{})
		require.NoError(t, err)

		completed := models.StatusCompleted
		md := models.Metadata{
			ExternalStatus: "completed",
			Files:          []models.FileDescriptor{{Filename: "a.csv", Size: 3, DownloadURL: models.FileDownloadPath("suite-update", "a.csv")}},
		}
		got, err := repo.Update(ctx, job.ID, store.Patch{Status: &completed, Metadata: &md})
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.True(t, got.UpdatedAt.After(got.CreatedAt))
		require.Len(t, got.Metadata.Files, 1)
		assert.Equal(t, "/api/files/suite-update/a.csv", got.Metadata.Files[0].DownloadURL)

		require.NoError(t, repo.Delete(ctx, job.ID))
		_, err = repo.Get(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, docs.Update(ctx, job.ID, store.Patch{}, time.Now()), store.ErrNotFound)
		assert.ErrorIs(t, docs.Delete(ctx, job.ID), store.ErrNotFound)
	})

	t.Run("QueryByStatusOrdered", func(t *testing.T) {
		repo, clock := newRepo(docs)
		processing := models.StatusProcessing
		for _, id := range []string{"suite-p1", "suite-p2", "suite-p3"} {
			job, err := repo.Create(ctx, id, models.Metadata{})
			require.NoError(t, err)
			_, err = repo.Update(ctx, job.ID, store.Patch{Status: &processing})
			require.NoError(t, err)
			clock.Advance(time.Minute)
		}

		jobs, err := repo.ListByStatus(ctx, models.StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, []string{"suite-p3", "suite-p2", "suite-p1"}, jobIDs(jobs))

		after := newFakeClock().Now().Add(30 * time.Second)
		ranged, err := docs.QueryByStatus(ctx, models.StatusProcessing, store.Query{Ordered: true, CreatedAfter: after})
		require.NoError(t, err)
		assert.Equal(t, []string{"suite-p3", "suite-p2"}, jobIDs(ranged))
	})

	t.Run("ListAll", func(t *testing.T) {
		jobs, err := docs.ListAll(ctx, store.Order{Field: store.OrderJobID})
		require.NoError(t, err)
		ids := jobIDs(jobs)
		assert.IsIncreasing(t, ids)
	})
}
