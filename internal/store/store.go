package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robokit/robokit/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// ErrInvalidPayload is returned for results that cannot be stored as JSON,
// such as ones holding NaN or infinite numbers.
var ErrInvalidPayload = errors.New("job payload is not valid JSON")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// WithTx runs fn inside a single transaction. The Store passed to fn is bound
	// to that transaction; it is committed if fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	CreateDataset(ctx context.Context, ds *models.Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error)
	UpdateDatasetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	DeleteDataset(ctx context.Context, id uuid.UUID) error

	// NextJobVersion returns 1 + the number of jobs for the pair. It takes a
	// transaction-scoped advisory lock on the pair, so call it inside WithTx.
	NextJobVersion(ctx context.Context, datasetID uuid.UUID, analysisType string) (int, error)
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// CountJobs counts the jobs matching filter, ignoring Limit and Offset.
	CountJobs(ctx context.Context, filter JobFilter) (int, error)
	LatestJob(ctx context.Context, datasetID uuid.UUID, analysisType string) (*models.Job, error)
	LatestJobsPerType(ctx context.Context, datasetID uuid.UUID) ([]*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
	UpdateJobProgress(ctx context.Context, id uuid.UUID, progress float64) error
}

// JobFilter selects jobs for ListJobs. Zero-valued fields are ignored.
// Results are ordered newest first.
type JobFilter struct {
	DatasetID    uuid.UUID
	AnalysisType string
	Status       string
	Limit        int
	Offset       int
}

// JobUpdate is the resolved payload of an UpdateJobStatus call.
type JobUpdate struct {
	ErrorMessage  *string
	Progress      *float64
	Result        map[string]any
	ResultSummary map[string]any
}

type JobUpdateOption func(*JobUpdate)

func NewJobUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

// Check enforces that terminal payloads are mutually exclusive: completed
// carries a result and summary only, failed carries an error message only,
// and non-terminal states carry neither.
func (u JobUpdate) Check(status string) error {
	switch status {
	case models.JobStatusCompleted:
		if u.Result == nil || u.ResultSummary == nil {
			return fmt.Errorf("%w: completed requires result and summary", ErrInvalidTransition)
		}
		if u.ErrorMessage != nil {
			return fmt.Errorf("%w: completed job cannot carry an error message", ErrInvalidTransition)
		}
		if _, err := json.Marshal(u.Result); err != nil {
			return fmt.Errorf("%w: result: %v", ErrInvalidPayload, err)
		}
		if _, err := json.Marshal(u.ResultSummary); err != nil {
			return fmt.Errorf("%w: result_summary: %v", ErrInvalidPayload, err)
		}
	case models.JobStatusFailed:
		if u.ErrorMessage == nil {
			return fmt.Errorf("%w: failed requires an error message", ErrInvalidTransition)
		}
		if u.Result != nil || u.ResultSummary != nil {
			return fmt.Errorf("%w: failed job cannot carry a result", ErrInvalidTransition)
		}
	default:
		if u.Result != nil || u.ResultSummary != nil || u.ErrorMessage != nil {
			return fmt.Errorf("%w: %s job cannot carry a terminal payload", ErrInvalidTransition, status)
		}
	}
	return nil
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Lifecycles only move forward: pending -> running -> completed | failed.
func CanTransition(from, to string) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithProgress(progress float64) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Progress = &progress
	}
}

// WithResult attaches the full result and its summary. Only valid on the
// transition to completed.
func WithResult(result, summary map[string]any) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = result
		p.ResultSummary = summary
	}
}
