package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/pkg/models"
)

// NewCreateDatasetHandler returns an http.HandlerFunc for POST /api/v1/datasets.
func NewCreateDatasetHandler(datasets DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Source     models.DatasetSource `json:"source"`
			FormatType string               `json:"format_type"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		now := time.Now().UTC()
		ds := &models.Dataset{
			ID:         uuid.New(),
			Source:     req.Source,
			FormatType: req.FormatType,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := ds.Validate(); err != nil {
			if errors.Is(err, models.ErrInvalidDataset) {
				response.Error(w, http.StatusUnprocessableEntity, "INVALID_DATASET", err.Error(), nil)
				return
			}
			storeError(w, r, err, "")
			return
		}

		if err := datasets.CreateDataset(r.Context(), ds); err != nil {
			storeError(w, r, err, "")
			return
		}
		response.Created(w, ds)
	}
}

// NewGetDatasetHandler returns an http.HandlerFunc for GET /api/v1/datasets/{datasetID}.
func NewGetDatasetHandler(datasets DatasetService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		ds, err := datasets.GetDataset(r.Context(), id)
		if err != nil {
			storeError(w, r, err, "Dataset not found")
			return
		}
		response.JSON(w, ds)
	}
}
