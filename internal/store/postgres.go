package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robokit/robokit/pkg/models"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) (err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	// Rollback must still run when ctx is already cancelled.
	rollbackCtx := context.WithoutCancel(ctx)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(rollbackCtx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(rollbackCtx)
		}
	}()

	if err = fn(&PostgresStore{pool: s.pool, db: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Datasets ---

func (s *PostgresStore) CreateDataset(ctx context.Context, ds *models.Dataset) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO datasets (id, source, format_type, dataset_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ds.ID, ds.Source, ds.FormatType, jsonOrNil(ds.Metadata), ds.CreatedAt, ds.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error) {
	var ds models.Dataset
	err := s.db.QueryRow(ctx,
		`SELECT id, source, format_type, dataset_metadata, created_at, updated_at
		 FROM datasets WHERE id = $1`, id,
	).Scan(&ds.ID, &ds.Source, &ds.FormatType, &ds.Metadata, &ds.CreatedAt, &ds.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return &ds, nil
}

func (s *PostgresStore) UpdateDatasetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE datasets SET dataset_metadata = $2, updated_at = NOW() WHERE id = $1`,
		id, jsonOrNil(metadata))
	if err != nil {
		return fmt.Errorf("update dataset metadata: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dataset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, dataset_id, analysis_type, status, progress, result, result_summary, result_metadata,
	error_message, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.DatasetID, &j.AnalysisType, &j.Status, &j.Progress,
		&j.Result, &j.ResultSummary, &j.ResultMetadata, &j.ErrorMessage,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*models.Job, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

func (s *PostgresStore) NextJobVersion(ctx context.Context, datasetID uuid.UUID, analysisType string) (int, error) {
	lockKey := datasetID.String() + ":" + analysisType
	if _, err := s.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey); err != nil {
		return 0, fmt.Errorf("lock job version: %w", err)
	}

	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE dataset_id = $1 AND analysis_type = $2`,
		datasetID, analysisType,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return count + 1, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	// created_at strictly increases per (dataset, analysis type); callers hold
	// the version lock, so recency order is version order.
	err := s.db.QueryRow(ctx,
		`INSERT INTO jobs (id, dataset_id, analysis_type, status, progress, result_metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         GREATEST($7::timestamptz, (SELECT MAX(created_at) + INTERVAL '1 microsecond'
		                                    FROM jobs WHERE dataset_id = $2 AND analysis_type = $3)),
		         $8)
		 RETURNING created_at`,
		job.ID, job.DatasetID, job.AnalysisType, job.Status, job.Progress,
		jsonOrNil(job.ResultMetadata), job.CreatedAt, job.UpdatedAt).Scan(&job.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	where, args := jobWhere(filter)
	argIdx := len(args) + 1

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + where + ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryJobs(ctx, "list jobs", query, args...)
}

func (s *PostgresStore) CountJobs(ctx context.Context, filter JobFilter) (int, error) {
	where, args := jobWhere(filter)
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// jobWhere builds the WHERE clause for a JobFilter.
func jobWhere(filter JobFilter) (string, []any) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if filter.DatasetID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("dataset_id = $%d", argIdx))
		args = append(args, filter.DatasetID)
		argIdx++
	}
	if filter.AnalysisType != "" {
		conditions = append(conditions, fmt.Sprintf("analysis_type = $%d", argIdx))
		args = append(args, filter.AnalysisType)
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
	}
	return strings.Join(conditions, " AND "), args
}

func (s *PostgresStore) LatestJob(ctx context.Context, datasetID uuid.UUID, analysisType string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE dataset_id = $1 AND analysis_type = $2
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		datasetID, analysisType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) LatestJobsPerType(ctx context.Context, datasetID uuid.UUID) ([]*models.Job, error) {
	return s.queryJobs(ctx, "latest jobs per type",
		`SELECT DISTINCT ON (analysis_type) `+jobColumns+` FROM jobs
		 WHERE dataset_id = $1
		 ORDER BY analysis_type, created_at DESC, id DESC`, datasetID)
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error {
	params := NewJobUpdate(opts...)
	if err := params.Check(status); err != nil {
		return err
	}

	// Fetch current status
	var currentStatus string
	err := s.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&currentStatus)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !CanTransition(currentStatus, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, currentStatus, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, currentStatus, status, now}
	argIdx := 5

	switch status {
	case models.JobStatusRunning:
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	case models.JobStatusCompleted:
		query += fmt.Sprintf(", completed_at = $%d, result = $%d, result_summary = $%d, progress = 1",
			argIdx, argIdx+1, argIdx+2)
		args = append(args, now, params.Result, params.ResultSummary)
		argIdx += 3
	case models.JobStatusFailed:
		query += fmt.Sprintf(", completed_at = $%d, error_message = $%d", argIdx, argIdx+1)
		args = append(args, now, *params.ErrorMessage)
		argIdx += 2
	}
	if params.Progress != nil && status != models.JobStatusCompleted {
		query += fmt.Sprintf(", progress = $%d", argIdx)
		args = append(args, ClampProgress(*params.Progress))
	}

	// Guard on the status read above so a concurrent writer cannot be overwritten.
	query += " WHERE id = $1 AND status = $2"

	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, currentStatus)
	}
	return nil
}

// UpdateJobProgress raises the progress of a running job. Progress never decreases,
// and updates to jobs that are not running are ignored.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET progress = GREATEST(progress, $2), updated_at = NOW()
		 WHERE id = $1 AND status = 'running'`,
		id, ClampProgress(progress))
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

// ClampProgress limits p to [0, 1].
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// jsonOrNil keeps a nil map as SQL NULL instead of the JSON literal null.
func jsonOrNil(m map[string]any) any {
	if m == nil {
		return nil
	}
	return m
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
