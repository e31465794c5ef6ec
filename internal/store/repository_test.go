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

// fakeClock is advanced by hand so ages and orderings are deterministic.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newRepo(docs store.DocumentStore) (*store.Repository, *fakeClock) {
	clock := newFakeClock()
	return store.NewRepository(docs, store.WithClock(clock.Now)), clock
}

func TestCreate_StartsPending(t *testing.T) {
	repo, _ := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	job, err := repo.Create(ctx, "J1", models.Metadata{ClientName: "acme"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusPending, job.Status)
	assert.Equal(t, job.CreatedAt, job.UpdatedAt)

	got, err := repo.GetByJobID(ctx, "J1")
	require.NoError(t, err)
	assert.Equal(t, "J1", got.JobID)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "acme", got.Metadata.ClientName)
}

func TestCreate_DuplicateJobID(t *testing.T) {
	docs := store.NewMemoryStore()
	repo, _ := newRepo(docs)
	ctx := context.Background()

	_, err := repo.Create(ctx, "J1", models.Metadata{})
	require.NoError(t, err)

	_, err = repo.Create(ctx, "J1", models.Metadata{})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	all, err := docs.ListAll(ctx, store.Order{Field: store.OrderCreatedAt})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGet_NotFound(t *testing.T) {
	repo, _ := newRepo(store.NewMemoryStore())

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = repo.GetByJobID(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate_StampsLaterUpdatedAt(t *testing.T) {
	repo, _ := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	job, err := repo.Create(ctx, "J1", models.Metadata{})
	require.NoError(t, err)

	// Clock has not moved: the stamp must still advance.
	completed := models.StatusCompleted
	_, err = repo.Update(ctx, job.ID, store.Patch{Status: &completed})
	require.NoError(t, err)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))
	assert.Equal(t, job.CreatedAt, got.CreatedAt)
}

func TestUpdate_MetadataOnlyKeepsStatus(t *testing.T) {
	repo, clock := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	job, err := repo.Create(ctx, "J1", models.Metadata{})
	require.NoError(t, err)
	clock.Advance(time.Second)

	md := models.Metadata{Message: "working"}
	got, err := repo.Update(ctx, job.ID, store.Patch{Metadata: &md})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, "working", got.Metadata.Message)
	assert.Equal(t, clock.Now(), got.UpdatedAt)
}

func TestUpdate_Errors(t *testing.T) {
	repo, _ := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	_, err := repo.Update(ctx, "missing", store.Patch{})
	assert.ErrorIs(t, err, store.ErrNotFound)

	job, err := repo.Create(ctx, "J1", models.Metadata{})
	require.NoError(t, err)
	bogus := models.Status("exploded")
	_, err = repo.Update(ctx, job.ID, store.Patch{Status: &bogus})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestDelete(t *testing.T) {
	repo, _ := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	job, err := repo.Create(ctx, "J1", models.Metadata{})
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, job.ID))
	assert.ErrorIs(t, repo.Delete(ctx, job.ID), store.ErrNotFound)
}

// seedStatuses creates six jobs a minute apart and completes every other one.
func seedStatuses(t *testing.T, repo *store.Repository, clock *fakeClock) {
	t.Helper()
	ctx := context.Background()
	completed := models.StatusCompleted
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		job, err := repo.Create(ctx, id, models.Metadata{})
		require.NoError(t, err)
		if i%2 == 0 {
			_, err = repo.Update(ctx, job.ID, store.Patch{Status: &completed})
			require.NoError(t, err)
		}
		clock.Advance(time.Minute)
	}
}

func jobIDs(jobs []*models.Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.JobID
	}
	return ids
}

func TestListByStatus_IndexAndFallbackAgree(t *testing.T) {
	indexed, clockA := newRepo(store.NewMemoryStore())
	fallback, clockB := newRepo(store.NewMemoryStore(store.WithoutStatusIndex()))
	seedStatuses(t, indexed, clockA)
	seedStatuses(t, fallback, clockB)

	ctx := context.Background()
	got, err := indexed.ListByStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)
	viaFallback, err := fallback.ListByStatus(ctx, models.StatusCompleted)
	require.NoError(t, err)

	assert.Equal(t, []string{"e", "c", "a"}, jobIDs(got))
	assert.Equal(t, jobIDs(got), jobIDs(viaFallback))
	for _, j := range viaFallback {
		assert.Equal(t, models.StatusCompleted, j.Status)
	}
}

func TestListRecentPending(t *testing.T) {
	for name, docs := range map[string]store.DocumentStore{
		"indexed":  store.NewMemoryStore(),
		"fallback": store.NewMemoryStore(store.WithoutStatusIndex()),
	} {
		t.Run(name, func(t *testing.T) {
			repo, clock := newRepo(docs)
			ctx := context.Background()

			_, err := repo.Create(ctx, "too-old", models.Metadata{})
			require.NoError(t, err)
			clock.Advance(4 * time.Minute)

			_, err = repo.Create(ctx, "recent", models.Metadata{})
			require.NoError(t, err)
			_, err = repo.Create(ctx, "stopped", models.Metadata{StopPolling: true})
			require.NoError(t, err)
			clock.Advance(2 * time.Minute)

			_, err = repo.Create(ctx, "just-created", models.Metadata{})
			require.NoError(t, err)
			clock.Advance(2 * time.Second)

			jobs, err := repo.ListRecentPending(ctx, 5*time.Minute, 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, []string{"recent"}, jobIDs(jobs))
		})
	}
}

func TestMarkStaleAsFailed(t *testing.T) {
	repo, clock := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	old, err := repo.Create(ctx, "old", models.Metadata{ClientName: "acme"})
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	fresh, err := repo.Create(ctx, "fresh", models.Metadata{})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	n, err := repo.MarkStaleAsFailed(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "Job marked as failed after 10 minutes without completion", got.Metadata.ErrorMessage)
	assert.Equal(t, "acme", got.Metadata.ClientName)
	require.NotNil(t, got.Metadata.MarkedFailedAt)

	got, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestMarkStaleAsFailed_CutoffIsInclusive(t *testing.T) {
	repo, clock := newRepo(store.NewMemoryStore())
	ctx := context.Background()

	job, err := repo.Create(ctx, "edge", models.Metadata{})
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)

	n, err := repo.MarkStaleAsFailed(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}

func TestListPaginated(t *testing.T) {
	repo, clock := newRepo(store.NewMemoryStore())
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := repo.Create(ctx, id, models.Metadata{})
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	page, err := repo.ListPaginated(ctx, store.PageRequest{Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, []string{"c", "b"}, jobIDs(page.Jobs))

	page, err = repo.ListPaginated(ctx, store.PageRequest{Page: 1, PageSize: 10, OrderBy: "job_id", Direction: "asc"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, jobIDs(page.Jobs))

	page, err = repo.ListPaginated(ctx, store.PageRequest{Page: 9, PageSize: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
	assert.Equal(t, 5, page.Total)

	_, err = repo.ListPaginated(ctx, store.PageRequest{OrderBy: "metadata; DROP TABLE jobs"})
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}
