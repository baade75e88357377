package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/robokit/robokit/internal/api/middleware"
	"github.com/robokit/robokit/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateDataset http.HandlerFunc
	GetDataset    http.HandlerFunc

	SubmitJob     http.HandlerFunc
	History       http.HandlerFunc
	Latest        http.HandlerFunc
	LatestPerType http.HandlerFunc
	ListJobs      http.HandlerFunc
	GetJob        http.HandlerFunc
	JobStatus     http.HandlerFunc
	JobTypes      http.HandlerFunc
	Artifact      http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", orNotImplemented(deps.HealthHandler))
		r.Get("/job-types", orNotImplemented(deps.JobTypes))

		r.Post("/datasets", orNotImplemented(deps.CreateDataset))
		r.Route("/datasets/{datasetID}", func(r chi.Router) {
			r.Get("/", orNotImplemented(deps.GetDataset))
			r.Get("/status", orNotImplemented(deps.LatestPerType))
			r.Get("/jobs", orNotImplemented(deps.ListJobs))

			r.With(deps.RateLimit.Limit).
				Post("/analyses/{analysisType}", orNotImplemented(deps.SubmitJob))
			r.Get("/analyses/{analysisType}", orNotImplemented(deps.History))
			r.Get("/analyses/{analysisType}/latest", orNotImplemented(deps.Latest))

			r.Get("/artifacts/{jobID}/{filename}", orNotImplemented(deps.Artifact))
			r.Head("/artifacts/{jobID}/{filename}", orNotImplemented(deps.Artifact))
		})

		r.Get("/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/jobs/{jobID}/status", orNotImplemented(deps.JobStatus))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
