package jobs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/pkg/models"
)

// Get returns one job. store.ErrNotFound when absent.
func (e *Engine) Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return e.store.GetJob(ctx, jobID)
}

// List returns jobs matching filter, newest first.
func (e *Engine) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	return e.store.ListJobs(ctx, filter)
}

// Count returns how many jobs match filter, for paging List.
func (e *Engine) Count(ctx context.Context, filter store.JobFilter) (int, error) {
	return e.store.CountJobs(ctx, filter)
}

// Latest returns the most recently created job for the pair, whatever its status.
func (e *Engine) Latest(ctx context.Context, datasetID uuid.UUID, analysisType string) (*models.Job, error) {
	return e.store.LatestJob(ctx, datasetID, analysisType)
}

// History returns every job for the pair, newest first. With completedOnly,
// only completed jobs are returned.
func (e *Engine) History(ctx context.Context, datasetID uuid.UUID, analysisType string, completedOnly bool) ([]*models.Job, error) {
	filter := store.JobFilter{DatasetID: datasetID, AnalysisType: analysisType}
	if completedOnly {
		filter.Status = models.JobStatusCompleted
	}
	return e.store.ListJobs(ctx, filter)
}

// LatestPerType maps each analysis type run on the dataset to its newest job.
func (e *Engine) LatestPerType(ctx context.Context, datasetID uuid.UUID) (map[string]*models.Job, error) {
	jobs, err := e.store.LatestJobsPerType(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Job, len(jobs))
	for _, j := range jobs {
		out[j.AnalysisType] = j
	}
	return out, nil
}

// Status returns a job's lifecycle status, reading the cache before the store.
func (e *Engine) Status(ctx context.Context, jobID uuid.UUID) (string, error) {
	if e.cache != nil {
		status, found, err := e.cache.GetJobStatus(ctx, jobID)
		if err != nil {
			slog.Warn("job status cache read failed", "job_id", jobID, "error", err)
		} else if found {
			return status, nil
		}
	}

	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}
