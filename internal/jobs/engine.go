package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/cache"
	"github.com/robokit/robokit/internal/metrics"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
)

const (
	statusTTL = 30 * time.Minute

	// finalizeTimeout bounds terminal writes, which run detached from the
	// worker context so shutdown cannot leave a job half-written.
	finalizeTimeout = 10 * time.Second

	startProgress = 0.1
)

// Scheduler accepts tasks for asynchronous execution. worker.Pool implements it.
type Scheduler interface {
	Submit(task worker.Task) error
}

// Engine owns the job lifecycle: it creates pending jobs, dispatches them to
// registered handlers on the scheduler and records the outcome.
type Engine struct {
	store     store.Store
	cache     cache.Cache
	registry  *Registry
	scheduler Scheduler
	now       func() time.Time
}

func NewEngine(s store.Store, c cache.Cache, reg *Registry, sched Scheduler) *Engine {
	return &Engine{
		store:     s,
		cache:     c,
		registry:  reg,
		scheduler: sched,
		now:       time.Now,
	}
}

// Registry returns the handler registry the engine dispatches on.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Submit creates a pending job for analysisType on the dataset and schedules
// it. It returns store.ErrNotFound, and creates nothing, when the dataset does
// not exist. params must already be normalized for the analysis type.
func (e *Engine) Submit(ctx context.Context, datasetID uuid.UUID, analysisType string, params map[string]any) (*models.Job, error) {
	if _, err := e.store.GetDataset(ctx, datasetID); err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	job := &models.Job{
		ID:           uuid.New(),
		DatasetID:    datasetID,
		AnalysisType: analysisType,
		Status:       models.JobStatusPending,
	}

	err := e.store.WithTx(ctx, func(tx store.Store) error {
		n, err := tx.NextJobVersion(ctx, datasetID, analysisType)
		if err != nil {
			return err
		}
		// Stamp under the version lock so creation order matches version order.
		now := e.now().UTC()
		job.CreatedAt = now
		job.UpdatedAt = now
		job.ResultMetadata = map[string]any{
			"version":    VersionTag(n),
			"parameters": params,
			"created_at": now.Format(time.RFC3339),
		}
		return tx.CreateJob(ctx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	e.mirror(ctx, job.ID, models.JobStatusPending)
	metrics.IncJobSubmitted(analysisType)
	slog.Info("job submitted",
		"job_id", job.ID, "dataset_id", datasetID,
		"analysis_type", analysisType, "version", job.Version())

	jobID := job.ID
	err = e.scheduler.Submit(func(ctx context.Context) error {
		return e.execute(ctx, jobID, datasetID, analysisType, params)
	})
	if err != nil {
		slog.Error("job could not be scheduled", "job_id", jobID, "error", err)
		e.failUnscheduled(jobID, analysisType, err)
		if fresh, getErr := e.store.GetJob(ctx, jobID); getErr == nil {
			return fresh, nil
		}
	}
	return job, nil
}

// failUnscheduled records a job the scheduler refused. It passes through
// running so the lifecycle stays forward-only.
func (e *Engine) failUnscheduled(jobID uuid.UUID, analysisType string, cause error) {
	ctx, cancel := e.finalizeContext(context.Background())
	defer cancel()

	msg := fmt.Sprintf("job could not be scheduled: %v", cause)
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateJobStatus(ctx, jobID, models.JobStatusRunning); err != nil {
			return err
		}
		return tx.UpdateJobStatus(ctx, jobID, models.JobStatusFailed, store.WithErrorMessage(msg))
	})
	if err != nil {
		slog.Error("failed to record unscheduled job", "job_id", jobID, "error", err)
		return
	}
	e.mirror(ctx, jobID, models.JobStatusFailed)
	metrics.IncJobFinished(analysisType, models.JobStatusFailed)
}

// execute runs one job to a terminal state. Errors it returns are
// infrastructure failures; handler failures are recorded on the job.
func (e *Engine) execute(ctx context.Context, jobID, datasetID uuid.UUID, analysisType string, params map[string]any) (err error) {
	log := slog.With("job_id", jobID, "analysis_type", analysisType)

	err = e.store.WithTx(ctx, func(tx store.Store) error {
		return tx.UpdateJobStatus(ctx, jobID, models.JobStatusRunning, store.WithProgress(startProgress))
	})
	if err != nil {
		return fmt.Errorf("mark job %s running: %w", jobID, err)
	}
	e.mirror(ctx, jobID, models.JobStatusRunning)
	done := metrics.JobStarted(analysisType)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job handler", "error", r, "stack", string(debug.Stack()))
			var status string
			status, err = e.finish(ctx, jobID, nil, fmt.Errorf("panic: %v", r))
			done(status)
		}
	}()

	handler, ok := e.registry.Lookup(analysisType)
	if !ok {
		status, err := e.finish(ctx, jobID, nil, fmt.Errorf("Unknown job type: %s", analysisType))
		done(status)
		return err
	}

	req := Request{
		JobID:        jobID,
		DatasetID:    datasetID,
		AnalysisType: analysisType,
		Params:       params,
		Progress:     e.progressFunc(jobID),
	}

	log.Info("job started")
	result, runErr := handler.Run(ctx, req)
	if runErr == nil {
		runErr = validateResult(result)
	}

	status, err := e.finish(ctx, jobID, result, runErr)
	done(status)
	return err
}

// finish writes the terminal state: completed with result, or failed with
// runErr's message verbatim. A completed write that the store rejects is
// replaced by a failed write carrying the rejection, so a job never stays
// running after its handler returned. It reports the status it recorded.
func (e *Engine) finish(ctx context.Context, jobID uuid.UUID, result *Result, runErr error) (string, error) {
	ctx, cancel := e.finalizeContext(ctx)
	defer cancel()
	log := slog.With("job_id", jobID)

	if runErr == nil {
		err := e.record(ctx, jobID, models.JobStatusCompleted, store.WithResult(result.Full, result.Summary))
		switch {
		case err == nil:
			log.Info("job completed")
			return models.JobStatusCompleted, nil
		case errors.Is(err, store.ErrNotFound):
			log.Warn("job vanished before its result was recorded", "status", models.JobStatusCompleted)
			return models.JobStatusCompleted, nil
		}
		log.Error("failed to record job result", "error", err)
		runErr = fmt.Errorf("record result: %w", err)
	}

	log.Warn("job failed", "error", runErr)
	err := e.record(ctx, jobID, models.JobStatusFailed, store.WithErrorMessage(runErr.Error()))
	if errors.Is(err, store.ErrNotFound) {
		// The dataset, and its jobs with it, was deleted while the handler ran.
		log.Warn("job vanished before its result was recorded", "status", models.JobStatusFailed)
		return models.JobStatusFailed, nil
	}
	if err != nil {
		return models.JobStatusFailed, fmt.Errorf("mark job %s %s: %w", jobID, models.JobStatusFailed, err)
	}
	return models.JobStatusFailed, nil
}

// record applies one terminal transition in its own scope and mirrors it.
func (e *Engine) record(ctx context.Context, jobID uuid.UUID, status string, opt store.JobUpdateOption) error {
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		return tx.UpdateJobStatus(ctx, jobID, status, opt)
	})
	if err != nil {
		return err
	}
	e.mirror(ctx, jobID, status)
	return nil
}

func (e *Engine) progressFunc(jobID uuid.UUID) func(ctx context.Context, progress float64) {
	return func(ctx context.Context, progress float64) {
		err := e.store.WithTx(ctx, func(tx store.Store) error {
			return tx.UpdateJobProgress(ctx, jobID, progress)
		})
		if err != nil {
			slog.Warn("failed to record job progress", "job_id", jobID, "progress", progress, "error", err)
		}
	}
}

func (e *Engine) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// mirror records status in the cache. The store stays authoritative, so
// failures are only logged.
func (e *Engine) mirror(ctx context.Context, jobID uuid.UUID, status string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetJobStatus(ctx, jobID, status, statusTTL); err != nil {
		slog.Warn("failed to cache job status", "job_id", jobID, "status", status, "error", err)
	}
}

// validateResult rejects results the store could not persist: both parts
// must be present and JSON encodable (no NaN or Inf).
func validateResult(r *Result) error {
	if r == nil {
		return errors.New("handler returned no result")
	}
	if r.Full == nil || r.Summary == nil {
		return errors.New("handler result must include both full result and summary")
	}
	if _, err := json.Marshal(r.Full); err != nil {
		return fmt.Errorf("result is not JSON encodable: %w", err)
	}
	if _, err := json.Marshal(r.Summary); err != nil {
		return fmt.Errorf("result summary is not JSON encodable: %w", err)
	}
	return nil
}
