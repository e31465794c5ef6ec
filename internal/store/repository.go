package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 1000
)

// Repository is the job record API used by the rest of the service. It owns
// id minting, timestamps, and the fallback when a backend lacks an index.
type Repository struct {
	docs DocumentStore
	now  func() time.Time
}

type RepositoryOption func(*Repository)

// WithClock overrides the time source used for created_at/updated_at and
// age thresholds.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

func NewRepository(docs DocumentStore, opts ...RepositoryOption) *Repository {
	r := &Repository{docs: docs, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.docs.Ping(ctx)
}

// stamp is millisecond precision so every backend stores the same value.
func (r *Repository) stamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}

// Create inserts a pending job. The job_id existence check is not
// transactional; backends with a unique constraint catch the race.
func (r *Repository) Create(ctx context.Context, jobID string, md models.Metadata) (*models.Job, error) {
	if _, err := r.docs.FindByJobID(ctx, jobID); err == nil {
		return nil, ErrDuplicateKey
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("check job_id: %w", err)
	}

	now := r.stamp()
	job := &models.Job{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  md,
	}
	if err := r.docs.Insert(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.Job, error) {
	return r.docs.Get(ctx, id)
}

func (r *Repository) GetByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	return r.docs.FindByJobID(ctx, jobID)
}

// Update applies patch and returns the stored result. updated_at always
// moves forward, even when the clock has not.
func (r *Repository) Update(ctx context.Context, id string, patch Patch) (*models.Job, error) {
	current, err := r.docs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, *patch.Status)
	}

	updatedAt := r.stamp()
	if !updatedAt.After(current.UpdatedAt) {
		updatedAt = current.UpdatedAt.Add(time.Millisecond)
	}
	if err := r.docs.Update(ctx, id, patch, updatedAt); err != nil {
		return nil, err
	}
	return r.docs.Get(ctx, id)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.docs.Delete(ctx, id)
}

// ListByStatus returns jobs with the given status, newest first.
func (r *Repository) ListByStatus(ctx context.Context, status models.Status) ([]*models.Job, error) {
	return r.queryByStatus(ctx, status, time.Time{})
}

func (r *Repository) queryByStatus(ctx context.Context, status models.Status, after time.Time) ([]*models.Job, error) {
	jobs, err := r.docs.QueryByStatus(ctx, status, Query{Ordered: true, CreatedAfter: after})
	if err == nil {
		return jobs, nil
	}
	if !errors.Is(err, ErrIndexMissing) {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}

	slog.Warn("status index missing, sorting in memory", "status", status)
	jobs, err = r.docs.QueryByStatus(ctx, status, Query{})
	if err != nil {
		return nil, fmt.Errorf("scan jobs by status: %w", err)
	}
	if !after.IsZero() {
		jobs = filterJobs(jobs, func(j *models.Job) bool { return j.CreatedAt.After(after) })
	}
	SortJobs(jobs, Order{Field: OrderCreatedAt, Desc: true})
	return jobs, nil
}

// ListRecentPending returns pending jobs created within maxAge but at least
// minAge ago, skipping any job flagged stop_polling.
func (r *Repository) ListRecentPending(ctx context.Context, maxAge, minAge time.Duration) ([]*models.Job, error) {
	now := r.now()
	jobs, err := r.queryByStatus(ctx, models.StatusPending, now.Add(-maxAge))
	if err != nil {
		return nil, err
	}
	youngest := now.Add(-minAge)
	return filterJobs(jobs, func(j *models.Job) bool {
		return !j.CreatedAt.After(youngest) && !j.Metadata.StopPolling
	}), nil
}

// MarkStaleAsFailed fails every pending job at least maxAge old and returns
// how many transitions succeeded. A failed update is logged and skipped.
func (r *Repository) MarkStaleAsFailed(ctx context.Context, maxAge time.Duration) (int, error) {
	jobs, err := r.docs.QueryByStatus(ctx, models.StatusPending, Query{})
	if err != nil {
		return 0, fmt.Errorf("scan pending jobs: %w", err)
	}

	now := r.now()
	cutoff := now.Add(-maxAge)
	failed := models.StatusFailed
	marked := 0
	for _, job := range jobs {
		if job.CreatedAt.After(cutoff) {
			continue
		}
		md := job.Metadata.Clone()
		md.ErrorMessage = fmt.Sprintf("Job marked as failed after %d minutes without completion", int(maxAge.Minutes()))
		md.MarkedFailedAt = models.TimePtr(now)

		if _, err := r.Update(ctx, job.ID, Patch{Status: &failed, Metadata: &md}); err != nil {
			slog.Error("mark stale job failed", "job_id", job.JobID, "error", err)
			continue
		}
		slog.Info("marked stale job as failed", "job_id", job.JobID, "age", now.Sub(job.CreatedAt).Round(time.Second))
		marked++
	}
	return marked, nil
}

// ListPaginated fetches the whole ordered collection and slices it.
func (r *Repository) ListPaginated(ctx context.Context, req PageRequest) (*Page, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = DefaultPageSize
	}
	if req.PageSize > MaxPageSize {
		req.PageSize = MaxPageSize
	}
	if req.OrderBy == "" {
		req.OrderBy = OrderCreatedAt
	}
	if !ValidOrderField(req.OrderBy) {
		return nil, fmt.Errorf("%w: order field %q", ErrInvalidInput, req.OrderBy)
	}
	desc := !strings.EqualFold(req.Direction, "asc")

	jobs, err := r.docs.ListAll(ctx, Order{Field: req.OrderBy, Desc: desc})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	total := len(jobs)
	start := (req.Page - 1) * req.PageSize
	if start > total {
		start = total
	}
	end := start + req.PageSize
	if end > total {
		end = total
	}

	return &Page{
		Jobs:       jobs[start:end],
		Total:      total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: (total + req.PageSize - 1) / req.PageSize,
	}, nil
}

// SortJobs orders jobs in place. Ties are broken by id so results are
// deterministic across backends.
func SortJobs(jobs []*models.Job, order Order) {
	less := func(a, b *models.Job) int {
		switch order.Field {
		case OrderUpdatedAt:
			return a.UpdatedAt.Compare(b.UpdatedAt)
		case OrderJobID:
			return strings.Compare(a.JobID, b.JobID)
		case OrderStatus:
			return strings.Compare(string(a.Status), string(b.Status))
		default:
			return a.CreatedAt.Compare(b.CreatedAt)
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		c := less(jobs[i], jobs[j])
		if c == 0 {
			return jobs[i].ID < jobs[j].ID
		}
		if order.Desc {
			return c > 0
		}
		return c < 0
	})
}

func filterJobs(jobs []*models.Job, keep func(*models.Job) bool) []*models.Job {
	out := jobs[:0]
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}
