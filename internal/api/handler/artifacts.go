package handler

import (
	"errors"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/internal/artifact"
)

// ArtifactPaths resolves where a job's artifact lives on disk.
type ArtifactPaths interface {
	Path(datasetID, jobID uuid.UUID, name string) (string, error)
}

// NewArtifactHandler returns an http.HandlerFunc for
// GET|HEAD /api/v1/datasets/{datasetID}/artifacts/{jobID}/{filename}.
// The job must belong to the dataset.
func NewArtifactHandler(svc JobService, artifacts ArtifactPaths) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		datasetID, ok := uuidParam(w, r, "datasetID")
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}
		name := chi.URLParam(r, "filename")

		path, err := artifacts.Path(datasetID, jobID, name)
		if err != nil {
			if errors.Is(err, artifact.ErrInvalidName) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "filename must be a bare file name", nil)
				return
			}
			storeError(w, r, err, "")
			return
		}

		job, err := svc.Get(r.Context(), jobID)
		if err != nil {
			storeError(w, r, err, "Artifact not found")
			return
		}
		if job.DatasetID != datasetID {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
				return
			}
			storeError(w, r, err, "")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Artifact not found", nil)
			return
		}

		w.Header().Set("Content-Type", contentType(name))
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func contentType(name string) string {
	ext := filepath.Ext(name)
	if ext == ".zip" {
		return "application/zip"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
