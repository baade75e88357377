// Package handler implements the HTTP endpoints of the analysis API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/pkg/models"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
	maxBodyBytes     = 1 << 20
)

// DatasetService is the dataset side of the store the handlers need.
type DatasetService interface {
	CreateDataset(ctx context.Context, ds *models.Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error)
}

// JobService submits and queries analysis jobs.
type JobService interface {
	Submit(ctx context.Context, datasetID uuid.UUID, analysisType string, params map[string]any) (*models.Job, error)
	Get(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
	Count(ctx context.Context, filter store.JobFilter) (int, error)
	Latest(ctx context.Context, datasetID uuid.UUID, analysisType string) (*models.Job, error)
	History(ctx context.Context, datasetID uuid.UUID, analysisType string, completedOnly bool) ([]*models.Job, error)
	LatestPerType(ctx context.Context, datasetID uuid.UUID) (map[string]*models.Job, error)
	Status(ctx context.Context, jobID uuid.UUID) (string, error)
}

// TypeRegistry lists the analysis types that have a registered handler.
type TypeRegistry interface {
	Types() []string
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
	return false
}

// storeError writes the response for a failed store or engine call.
func storeError(w http.ResponseWriter, r *http.Request, err error, notFound string) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", notFound, nil)
		return
	}
	slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
}

// requireDataset writes 404 and returns false when the dataset does not exist.
func requireDataset(w http.ResponseWriter, r *http.Request, datasets DatasetService, id uuid.UUID) bool {
	if _, err := datasets.GetDataset(r.Context(), id); err != nil {
		storeError(w, r, err, "Dataset not found")
		return false
	}
	return true
}

// pageParams reads page (1-based) and limit from the query string.
func pageParams(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultPageLimit
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return 0, 0, false
		}
		page = n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageLimit {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"limit must be between 1 and "+strconv.Itoa(maxPageLimit), nil)
			return 0, 0, false
		}
		limit = n
	}
	return page, limit, true
}

func validStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed:
		return true
	}
	return false
}
