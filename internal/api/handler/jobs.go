package handler

import (
	"errors"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/pkg/models"
)

// jobResponse is a job as the API renders it, with its version tag lifted out.
type jobResponse struct {
	*models.Job
	Version string `json:"version"`
}

func toJobResponse(j *models.Job) jobResponse {
	return jobResponse{Job: j, Version: j.Version()}
}

func toJobResponses(jobs []*models.Job) []jobResponse {
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobResponse(j))
	}
	return out
}

// NewSubmitHandler returns an http.HandlerFunc for
// POST /api/v1/datasets/{datasetID}/analyses/{analysisType}.
func NewSubmitHandler(svc JobService, types TypeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		analysisType := chi.URLParam(r, "analysisType")
		if !slices.Contains(types.Types(), analysisType) {
			response.Error(w, http.StatusBadRequest, "UNKNOWN_ANALYSIS_TYPE",
				"Unknown analysis type: "+analysisType, map[string]any{"supported": types.Types()})
			return
		}

		var req struct {
			Params map[string]any `json:"params"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		params, err := models.NormalizeParams(analysisType, req.Params)
		if err != nil {
			if errors.Is(err, models.ErrInvalidParams) {
				response.Error(w, http.StatusUnprocessableEntity, "INVALID_PARAMS", err.Error(), nil)
				return
			}
			storeError(w, r, err, "")
			return
		}

		job, err := svc.Submit(r.Context(), datasetID, analysisType, params)
		if err != nil {
			storeError(w, r, err, "Dataset not found")
			return
		}
		response.Accepted(w, toJobResponse(job))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), jobID)
		if err != nil {
			storeError(w, r, err, "Job not found")
			return
		}
		response.JSON(w, toJobResponse(job))
	}
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		status, err := svc.Status(r.Context(), jobID)
		if err != nil {
			storeError(w, r, err, "Job not found")
			return
		}
		response.JSON(w, map[string]any{"job_id": jobID, "status": status})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for
// GET /api/v1/datasets/{datasetID}/jobs, paged and optionally filtered by
// analysis_type and status.
func NewListJobsHandler(svc JobService, datasets DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		page, limit, ok := pageParams(w, r)
		if !ok {
			return
		}
		filter := store.JobFilter{
			DatasetID:    datasetID,
			AnalysisType: r.URL.Query().Get("analysis_type"),
			Status:       r.URL.Query().Get("status"),
		}
		if filter.Status != "" && !validStatus(filter.Status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, running, completed, failed", nil)
			return
		}
		if !requireDataset(w, r, datasets, datasetID) {
			return
		}

		total, err := svc.Count(r.Context(), filter)
		if err != nil {
			storeError(w, r, err, "")
			return
		}
		filter.Limit = limit
		filter.Offset = (page - 1) * limit
		jobs, err := svc.List(r.Context(), filter)
		if err != nil {
			storeError(w, r, err, "")
			return
		}

		response.Collection(w, toJobResponses(jobs), response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: filter.Offset+len(jobs) < total,
		})
	}
}

// NewHistoryHandler returns an http.HandlerFunc for
// GET /api/v1/datasets/{datasetID}/analyses/{analysisType}. With
// ?status=completed only completed jobs are listed.
func NewHistoryHandler(svc JobService, datasets DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		var completedOnly bool
		switch s := r.URL.Query().Get("status"); s {
		case "":
		case models.JobStatusCompleted:
			completedOnly = true
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "status filter only supports completed", nil)
			return
		}
		if !requireDataset(w, r, datasets, datasetID) {
			return
		}

		jobs, err := svc.History(r.Context(), datasetID, chi.URLParam(r, "analysisType"), completedOnly)
		if err != nil {
			storeError(w, r, err, "")
			return
		}
		response.JSON(w, toJobResponses(jobs))
	}
}

// NewLatestHandler returns an http.HandlerFunc for
// GET /api/v1/datasets/{datasetID}/analyses/{analysisType}/latest.
func NewLatestHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		job, err := svc.Latest(r.Context(), datasetID, chi.URLParam(r, "analysisType"))
		if err != nil {
			storeError(w, r, err, "No job found for this dataset and analysis type")
			return
		}
		response.JSON(w, toJobResponse(job))
	}
}

// NewLatestPerTypeHandler returns an http.HandlerFunc for
// GET /api/v1/datasets/{datasetID}/status.
func NewLatestPerTypeHandler(svc JobService, datasets DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		if !requireDataset(w, r, datasets, datasetID) {
			return
		}
		latest, err := svc.LatestPerType(r.Context(), datasetID)
		if err != nil {
			storeError(w, r, err, "")
			return
		}
		analyses := make(map[string]jobResponse, len(latest))
		for t, j := range latest {
			analyses[t] = toJobResponse(j)
		}
		response.JSON(w, map[string]any{"dataset_id": datasetID, "analyses": analyses})
	}
}
