package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobrelay/pkg/models"
)

// PostgresStore implements DocumentStore using pgx/v5, with metadata kept
// as JSONB. The (status, created_at) index comes from migrations, so status
// queries never report ErrIndexMissing here.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var _ DocumentStore = (*PostgresStore)(nil)

const jobColumns = `id, job_id, status, metadata, created_at, updated_at`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, job *models.Job) error {
	md, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, job_id, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, job.JobID, string(job.Status), md, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) FindByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by job_id: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, patch Patch, updatedAt time.Time) error {
	query := `UPDATE jobs SET updated_at = $2`
	args := []any{id, updatedAt}
	argIdx := 3

	if patch.Status != nil {
		query += fmt.Sprintf(", status = $%d", argIdx)
		args = append(args, string(*patch.Status))
		argIdx++
	}
	if patch.Metadata != nil {
		md, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		query += fmt.Sprintf(", metadata = $%d", argIdx)
		args = append(args, md)
	}
	query += " WHERE id = $1"

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) QueryByStatus(ctx context.Context, status models.Status, q Query) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1`
	args := []any{string(status)}
	if !q.CreatedAfter.IsZero() {
		query += ` AND created_at > $2`
		args = append(args, q.CreatedAfter)
	}
	if q.Ordered {
		query += ` ORDER BY created_at DESC, id ASC`
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresStore) ListAll(ctx context.Context, order Order) ([]*models.Job, error) {
	if !ValidOrderField(order.Field) {
		return nil, fmt.Errorf("invalid order field %q", order.Field)
	}
	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	// order.Field is validated against a fixed set of column names above.
	query := fmt.Sprintf(`SELECT %s FROM jobs ORDER BY %s %s, id ASC`, jobColumns, order.Field, dir)
	return s.queryJobs(ctx, query)
}

func (s *PostgresStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		job    models.Job
		status string
		md     []byte
	)
	if err := row.Scan(&job.ID, &job.JobID, &status, &md, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Status = models.Status(status)
	if len(md) > 0 {
		if err := json.Unmarshal(md, &job.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
