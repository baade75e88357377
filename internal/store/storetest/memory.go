// Package storetest provides an in-memory store.Store for tests of packages
// that sit above the database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/pkg/models"
)

// Transition records one successful UpdateJobStatus call.
type Transition struct {
	JobID  uuid.UUID
	Status string
}

// Memory is a mutex-guarded store.Store. It applies the same transition and
// payload rules as the Postgres store. WithTx calls fn with the store itself, one call at a time.
type Memory struct {
	mu          sync.Mutex
	datasets    map[uuid.UUID]*models.Dataset
	jobs        map[uuid.UUID]*models.Job
	order       []uuid.UUID
	transitions []Transition

	// txMu serializes WithTx calls, standing in for the advisory lock that
	// orders version assignment in Postgres.
	txMu sync.Mutex

	// TxErr, when set, is returned by WithTx without calling fn.
	TxErr error
	// PingErr is returned by Ping.
	PingErr error
}

func NewMemory() *Memory {
	return &Memory{
		datasets: make(map[uuid.UUID]*models.Dataset),
		jobs:     make(map[uuid.UUID]*models.Job),
	}
}

// AddDataset stores ds and returns it, filling in an id and timestamps when unset.
func (m *Memory) AddDataset(ds *models.Dataset) *models.Dataset {
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = time.Now().UTC()
		ds.UpdatedAt = ds.CreatedAt
	}
	_ = m.CreateDataset(context.Background(), ds)
	return ds
}

// Transitions returns every status change recorded for jobID, in order.
func (m *Memory) Transitions(jobID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.transitions {
		if t.JobID == jobID {
			out = append(out, t.Status)
		}
	}
	return out
}

func (m *Memory) Ping(ctx context.Context) error { return m.PingErr }

func (m *Memory) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if m.TxErr != nil {
		return m.TxErr
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return fn(m)
}

func (m *Memory) CreateDataset(ctx context.Context, ds *models.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[ds.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *ds
	m.datasets[ds.ID] = &cp
	return nil
}

func (m *Memory) GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ds
	return &cp, nil
}

func (m *Memory) UpdateDatasetMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.datasets[id]
	if !ok {
		return store.ErrNotFound
	}
	ds.Metadata = metadata
	ds.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) DeleteDataset(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.datasets, id)
	kept := m.order[:0]
	for _, jid := range m.order {
		if m.jobs[jid].DatasetID == id {
			delete(m.jobs, jid)
			continue
		}
		kept = append(kept, jid)
	}
	m.order = kept
	return nil
}

func (m *Memory) NextJobVersion(ctx context.Context, datasetID uuid.UUID, analysisType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.DatasetID == datasetID && j.AnalysisType == analysisType {
			n++
		}
	}
	return n + 1, nil
}

func (m *Memory) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.datasets[job.DatasetID]; !ok {
		return store.ErrNotFound
	}
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	cp := *job
	// Same rule as Postgres: created_at strictly increases per (dataset, type).
	var last time.Time
	for _, other := range m.jobs {
		if other.DatasetID == job.DatasetID && other.AnalysisType == job.AnalysisType &&
			other.CreatedAt.After(last) {
			last = other.CreatedAt
		}
	}
	if !last.IsZero() && !cp.CreatedAt.After(last) {
		cp.CreatedAt = last.Add(time.Microsecond)
	}
	job.CreatedAt = cp.CreatedAt
	m.jobs[job.ID] = &cp
	m.order = append(m.order, job.ID)
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.matchJobs(filter)
	sortNewestFirst(out)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *Memory) CountJobs(ctx context.Context, filter store.JobFilter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.matchJobs(filter)), nil
}

func (m *Memory) matchJobs(filter store.JobFilter) []*models.Job {
	// Newest insert first, so equal timestamps keep a stable order.
	var out []*models.Job
	for i := len(m.order) - 1; i >= 0; i-- {
		j := m.jobs[m.order[i]]
		if filter.DatasetID != uuid.Nil && j.DatasetID != filter.DatasetID {
			continue
		}
		if filter.AnalysisType != "" && j.AnalysisType != filter.AnalysisType {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	return out
}

func (m *Memory) LatestJob(ctx context.Context, datasetID uuid.UUID, analysisType string) (*models.Job, error) {
	jobs, _ := m.ListJobs(ctx, store.JobFilter{DatasetID: datasetID, AnalysisType: analysisType, Limit: 1})
	if len(jobs) == 0 {
		return nil, store.ErrNotFound
	}
	return jobs[0], nil
}

func (m *Memory) LatestJobsPerType(ctx context.Context, datasetID uuid.UUID) ([]*models.Job, error) {
	jobs, _ := m.ListJobs(ctx, store.JobFilter{DatasetID: datasetID})
	seen := make(map[string]bool)
	var out []*models.Job
	for _, j := range jobs {
		if seen[j.AnalysisType] {
			continue
		}
		seen[j.AnalysisType] = true
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].AnalysisType < out[b].AnalysisType })
	return out, nil
}

func (m *Memory) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error {
	u := store.NewJobUpdate(opts...)
	if err := u.Check(status); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !store.CanTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	switch status {
	case models.JobStatusRunning:
		j.StartedAt = &now
	case models.JobStatusCompleted:
		j.CompletedAt = &now
		j.Result = u.Result
		j.ResultSummary = u.ResultSummary
		j.Progress = 1
	case models.JobStatusFailed:
		j.CompletedAt = &now
		msg := *u.ErrorMessage
		j.ErrorMessage = &msg
	}
	if u.Progress != nil && status != models.JobStatusCompleted {
		j.Progress = store.ClampProgress(*u.Progress)
	}
	m.transitions = append(m.transitions, Transition{JobID: id, Status: status})
	return nil
}

func (m *Memory) UpdateJobProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusRunning {
		return nil
	}
	if p := store.ClampProgress(progress); p > j.Progress {
		j.Progress = p
	}
	return nil
}

func sortNewestFirst(jobs []*models.Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}

var _ store.Store = (*Memory)(nil)
