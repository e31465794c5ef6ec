package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidInput wraps rejected arguments such as an unknown status or
// order field.
var ErrInvalidInput = errors.New("invalid input")

// ErrIndexMissing is returned by a backend when an ordered or range query
// needs an index the backing table does not have. Repository falls back to
// an unordered query and sorts in memory.
var ErrIndexMissing = errors.New("required index missing")

// DocumentStore is the backend contract for job documents. Implementations
// must be safe for concurrent use.
type DocumentStore interface {
	Ping(ctx context.Context) error

	Insert(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	FindByJobID(ctx context.Context, jobID string) (*models.Job, error)
	Update(ctx context.Context, id string, patch Patch, updatedAt time.Time) error
	Delete(ctx context.Context, id string) error

	QueryByStatus(ctx context.Context, status models.Status, q Query) ([]*models.Job, error)
	ListAll(ctx context.Context, order Order) ([]*models.Job, error)

	Close() error
}

// Patch lists the fields an update replaces. Nil fields are left untouched.
type Patch struct {
	Status   *models.Status
	Metadata *models.Metadata
}

// Query narrows a status query. Ordered asks for created_at descending;
// a non-zero CreatedAfter keeps only jobs created strictly after it.
type Query struct {
	Ordered      bool
	CreatedAfter time.Time
}

// Order is a validated sort for ListAll.
type Order struct {
	Field string
	Desc  bool
}

const (
	OrderCreatedAt = "created_at"
	OrderUpdatedAt = "updated_at"
	OrderJobID     = "job_id"
	OrderStatus    = "status"
)

var orderFields = map[string]bool{
	OrderCreatedAt: true,
	OrderUpdatedAt: true,
	OrderJobID:     true,
	OrderStatus:    true,
}

// ValidOrderField reports whether field can be used to sort job listings.
func ValidOrderField(field string) bool {
	return orderFields[field]
}

// PageRequest selects one page of the full ordered job collection.
type PageRequest struct {
	Page      int
	PageSize  int
	OrderBy   string
	Direction string
}

// Page is one slice of the ordered collection plus exact totals.
type Page struct {
	Jobs       []*models.Job `json:"jobs"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"pageSize"`
	TotalPages int           `json:"totalPages"`
}
