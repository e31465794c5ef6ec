package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/jobrelay/pkg/models"
	"github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL UNIQUE,
	status     TEXT NOT NULL,
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created_at ON jobs (status, created_at DESC);`

// SQLiteStore implements DocumentStore on a single SQLite file. Timestamps
// are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ DocumentStore = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, job *models.Job) error {
	md, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, job_id, status, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.JobID, string(job.Status), string(md), job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && (sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
}

func (s *SQLiteStore) FindByJobID(ctx context.Context, jobID string) (*models.Job, error) {
	return s.getOne(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
}

func (s *SQLiteStore) getOne(ctx context.Context, query string, arg string) (*models.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch, updatedAt time.Time) error {
	query := `UPDATE jobs SET updated_at = ?`
	args := []any{updatedAt.UnixMilli()}
	if patch.Status != nil {
		query += `, status = ?`
		args = append(args, string(*patch.Status))
	}
	if patch.Metadata != nil {
		md, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		query += `, metadata = ?`
		args = append(args, string(md))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) QueryByStatus(ctx context.Context, status models.Status, q Query) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{string(status)}
	if !q.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, q.CreatedAfter.UnixMilli())
	}
	if q.Ordered {
		query += ` ORDER BY created_at DESC, id ASC`
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *SQLiteStore) ListAll(ctx context.Context, order Order) ([]*models.Job, error) {
	if !ValidOrderField(order.Field) {
		return nil, fmt.Errorf("invalid order field %q", order.Field)
	}
	dir := "ASC"
	if order.Desc {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM jobs ORDER BY %s %s, id ASC`, jobColumns, order.Field, dir)
	return s.queryJobs(ctx, query)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		job                  models.Job
		status, md           string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&job.ID, &job.JobID, &status, &md, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Status = models.Status(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if err := json.Unmarshal([]byte(md), &job.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &job, nil
}
