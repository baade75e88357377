package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Analysis types accepted by the API. The engine itself dispatches on whatever
// is registered and fails anything else at execution time.
const (
	AnalysisMetadataExtraction = "metadata_extraction"
	AnalysisQualityHeuristics  = "evaluate_quality_heuristics"
	AnalysisRecording          = "rerun_visualization"
	AnalysisConversion         = "conversion"
	AnalysisValidation         = "validation"
	AnalysisIndexing           = "indexing"
	AnalysisAttention          = "attention_analysis"
)

// AnalysisTypes lists every analysis type in a stable order.
var AnalysisTypes = []string{
	AnalysisMetadataExtraction,
	AnalysisQualityHeuristics,
	AnalysisRecording,
	AnalysisConversion,
	AnalysisValidation,
	AnalysisIndexing,
	AnalysisAttention,
}

// IsAnalysisType reports whether t is one of AnalysisTypes.
func IsAnalysisType(t string) bool {
	for _, a := range AnalysisTypes {
		if a == t {
			return true
		}
	}
	return false
}

// Job is one execution attempt of one analysis type against one dataset.
// The API returns it on submission; clients poll until status is completed or failed.
type Job struct {
	ID             uuid.UUID      `db:"id"              json:"id"`
	DatasetID      uuid.UUID      `db:"dataset_id"      json:"dataset_id"`
	AnalysisType   string         `db:"analysis_type"   json:"analysis_type"`
	Status         string         `db:"status"          json:"status"`
	Progress       float64        `db:"progress"        json:"progress"`
	Result         map[string]any `db:"result"          json:"result,omitempty"`
	ResultSummary  map[string]any `db:"result_summary"  json:"result_summary,omitempty"`
	ResultMetadata map[string]any `db:"result_metadata" json:"result_metadata,omitempty"`
	ErrorMessage   *string        `db:"error_message"   json:"error_message,omitempty"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
	StartedAt      *time.Time     `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt    *time.Time     `db:"completed_at"    json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `db:"updated_at"      json:"updated_at"`
}

// IsTerminal reports whether the job has reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Version returns the version tag stored in result_metadata, or "" when absent.
func (j *Job) Version() string {
	if j.ResultMetadata == nil {
		return ""
	}
	v, _ := j.ResultMetadata["version"].(string)
	return v
}
