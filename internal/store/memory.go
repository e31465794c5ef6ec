package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

// MemoryStore keeps documents in process. It backs DOCUMENT_STORE=memory
// for local runs and the tests of packages built on Repository.
type MemoryStore struct {
	mu          sync.RWMutex
	docs        map[string][]byte
	statusIndex bool
}

type MemoryOption func(*MemoryStore)

// WithoutStatusIndex makes ordered status queries fail with ErrIndexMissing,
// the way a table without the status/created_at index does.
func WithoutStatusIndex() MemoryOption {
	return func(s *MemoryStore) {
		s.statusIndex = false
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{docs: make(map[string][]byte), statusIndex: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ DocumentStore = (*MemoryStore)(nil)

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Insert(_ context.Context, job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[job.ID]; ok {
		return ErrDuplicateKey
	}
	for _, raw := range s.docs {
		if decodeJob(raw).JobID == job.JobID {
			return ErrDuplicateKey
		}
	}
	s.docs[job.ID] = data
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return decodeJob(raw), nil
}

func (s *MemoryStore) FindByJobID(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, raw := range s.docs {
		if job := decodeJob(raw); job.JobID == jobID {
			return job, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Update(_ context.Context, id string, patch Patch, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	job := decodeJob(raw)
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.Metadata != nil {
		job.Metadata = *patch.Metadata
	}
	job.UpdatedAt = updatedAt

	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.docs[id] = data
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) QueryByStatus(_ context.Context, status models.Status, q Query) ([]*models.Job, error) {
	if (q.Ordered || !q.CreatedAfter.IsZero()) && !s.statusIndex {
		return nil, ErrIndexMissing
	}

	s.mu.RLock()
	var jobs []*models.Job
	for _, raw := range s.docs {
		job := decodeJob(raw)
		if job.Status != status {
			continue
		}
		if !q.CreatedAfter.IsZero() && !job.CreatedAt.After(q.CreatedAfter) {
			continue
		}
		jobs = append(jobs, job)
	}
	s.mu.RUnlock()

	if q.Ordered {
		SortJobs(jobs, Order{Field: OrderCreatedAt, Desc: true})
	}
	return jobs, nil
}

func (s *MemoryStore) ListAll(_ context.Context, order Order) ([]*models.Job, error) {
	s.mu.RLock()
	jobs := make([]*models.Job, 0, len(s.docs))
	for _, raw := range s.docs {
		jobs = append(jobs, decodeJob(raw))
	}
	s.mu.RUnlock()

	SortJobs(jobs, order)
	return jobs, nil
}

// decodeJob cannot fail on bytes this store produced itself.
func decodeJob(raw []byte) *models.Job {
	var job models.Job
	_ = json.Unmarshal(raw, &job)
	return &job
}
