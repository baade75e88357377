package handler

import (
	"net/http"

	"github.com/robokit/robokit/internal/api/response"
	"github.com/robokit/robokit/pkg/models"
)

type jobType struct {
	AnalysisType  string         `json:"analysis_type"`
	DefaultParams map[string]any `json:"default_params"`
}

// NewJobTypesHandler returns an http.HandlerFunc for GET /api/v1/job-types.
func NewJobTypesHandler(types TypeRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		registered := types.Types()
		out := make([]jobType, 0, len(registered))
		for _, t := range registered {
			defaults := models.ParamDefaults(t)
			if defaults == nil {
				defaults = map[string]any{}
			}
			out = append(out, jobType{AnalysisType: t, DefaultParams: defaults})
		}
		response.JSON(w, out)
	}
}
