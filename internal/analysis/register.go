package analysis

import (
	"context"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/artifact"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
)

// Datasets is the slice of the store the handlers read and write.
type Datasets interface {
	GetDataset(ctx context.Context, id uuid.UUID) (*models.Dataset, error)
	WithTx(ctx context.Context, fn func(tx store.Store) error) error
}

// Deps carries the collaborators shared by the analysis handlers.
type Deps struct {
	Datasets  Datasets
	Hub       hub.Client
	Offloader *worker.Offloader
	Artifacts *artifact.Store
	Streams   *StreamManager
	Frames    FrameOpener
}

// Register installs a handler for every analysis type.
func Register(reg *jobs.Registry, d Deps) {
	reg.Register(models.AnalysisMetadataExtraction, &MetadataHandler{datasets: d.Datasets, hub: d.Hub})
	reg.Register(models.AnalysisQualityHeuristics, &QualityHandler{
		datasets:  d.Datasets,
		hub:       d.Hub,
		offloader: d.Offloader,
	})
	reg.Register(models.AnalysisRecording, &RecordingHandler{
		datasets:  d.Datasets,
		hub:       d.Hub,
		offloader: d.Offloader,
		artifacts: d.Artifacts,
		streams:   d.Streams,
		frames:    d.Frames,
	})
	for _, t := range []string{
		models.AnalysisConversion,
		models.AnalysisValidation,
		models.AnalysisIndexing,
		models.AnalysisAttention,
	} {
		reg.Register(t, notImplemented(t))
	}
}

// notImplemented is the handler for analysis types that are accepted but not built yet.
func notImplemented(analysisType string) jobs.HandlerFunc {
	return func(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
		return nil, &NotImplementedError{AnalysisType: analysisType}
	}
}

type NotImplementedError struct {
	AnalysisType string
}

func (e *NotImplementedError) Error() string {
	return e.AnalysisType + " analysis is not implemented"
}
