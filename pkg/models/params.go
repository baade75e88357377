package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidParams marks a parameter payload that failed validation for its analysis type.
var ErrInvalidParams = errors.New("invalid parameters")

const (
	RecordingModeFile   = "file"
	RecordingModeStream = "stream"
)

type paramValidator interface {
	validate() error
}

// paramDefaults returns a fresh, defaulted parameter struct per analysis type.
var paramDefaults = map[string]func() paramValidator{
	AnalysisMetadataExtraction: func() paramValidator { return &MetadataExtractionParams{AutoExtract: true} },
	AnalysisQualityHeuristics:  func() paramValidator { return &QualityHeuristicsParams{Model: "default"} },
	AnalysisRecording:          func() paramValidator { return DefaultRecordingParams() },
	AnalysisConversion:         func() paramValidator { return &ConversionParams{} },
	AnalysisValidation:         func() paramValidator { return &ValidationParams{ValidationMethod: "comprehensive"} },
	AnalysisIndexing:           func() paramValidator { return &IndexingParams{IndexType: "spatial_temporal"} },
	AnalysisAttention: func() paramValidator {
		return &AttentionParams{Model: "default", Stride: 2, MaxFrames: 1000, OverlayAlpha: 0.5}
	},
}

type MetadataExtractionParams struct {
	AutoExtract bool `json:"auto_extract"`
}

func (p *MetadataExtractionParams) validate() error { return nil }

type QualityHeuristicsParams struct {
	MaxEpisodes *int   `json:"max_episodes,omitempty"`
	Model       string `json:"model"`
}

func (p *QualityHeuristicsParams) validate() error {
	if p.MaxEpisodes != nil && *p.MaxEpisodes < 0 {
		return fmt.Errorf("%w: max_episodes must be >= 0", ErrInvalidParams)
	}
	return nil
}

// RecordingParams configures recording generation for one episode.
type RecordingParams struct {
	Mode                string `json:"mode"`
	EpisodeIndex        int    `json:"episode_index"`
	Stride              int    `json:"stride"`
	MaxFrames           int    `json:"max_frames"`
	DownscaleLongSide   int    `json:"downscale_long_side"`
	JPEGQuality         int    `json:"jpeg_quality"`
	StreamingTTLSeconds int    `json:"streaming_ttl_seconds"`
}

func DefaultRecordingParams() *RecordingParams {
	return &RecordingParams{
		Mode:                RecordingModeFile,
		Stride:              1,
		MaxFrames:           5000,
		DownscaleLongSide:   1280,
		JPEGQuality:         90,
		StreamingTTLSeconds: 1800,
	}
}

func (p *RecordingParams) validate() error {
	switch {
	case p.Mode != RecordingModeFile && p.Mode != RecordingModeStream:
		return fmt.Errorf("%w: mode must be one of file, stream; got %q", ErrInvalidParams, p.Mode)
	case p.EpisodeIndex < 0:
		return fmt.Errorf("%w: episode_index must be >= 0", ErrInvalidParams)
	case p.Stride < 1:
		return fmt.Errorf("%w: stride must be >= 1", ErrInvalidParams)
	case p.MaxFrames < 1 || p.MaxFrames > 5000000:
		return fmt.Errorf("%w: max_frames must be between 1 and 5000000", ErrInvalidParams)
	case p.DownscaleLongSide < 64 || p.DownscaleLongSide > 4096:
		return fmt.Errorf("%w: downscale_long_side must be between 64 and 4096", ErrInvalidParams)
	case p.JPEGQuality < 1 || p.JPEGQuality > 100:
		return fmt.Errorf("%w: jpeg_quality must be between 1 and 100", ErrInvalidParams)
	case p.StreamingTTLSeconds < 30 || p.StreamingTTLSeconds > 86400:
		return fmt.Errorf("%w: streaming_ttl_seconds must be between 30 and 86400", ErrInvalidParams)
	}
	return nil
}

type ConversionParams struct {
	SourceFormat string `json:"source_format"`
	TargetFormat string `json:"target_format"`
}

func (p *ConversionParams) validate() error {
	if !IsFormat(p.SourceFormat) {
		return fmt.Errorf("%w: source_format must be a known dataset format; got %q", ErrInvalidParams, p.SourceFormat)
	}
	if !IsFormat(p.TargetFormat) {
		return fmt.Errorf("%w: target_format must be a known dataset format; got %q", ErrInvalidParams, p.TargetFormat)
	}
	return nil
}

type ValidationParams struct {
	ValidationMethod string `json:"validation_method"`
}

func (p *ValidationParams) validate() error {
	if p.ValidationMethod != "quick" && p.ValidationMethod != "comprehensive" {
		return fmt.Errorf("%w: validation_method must be one of quick, comprehensive", ErrInvalidParams)
	}
	return nil
}

type IndexingParams struct {
	IndexType string `json:"index_type"`
}

func (p *IndexingParams) validate() error {
	if p.IndexType != "spatial_temporal" && p.IndexType != "temporal" {
		return fmt.Errorf("%w: index_type must be one of spatial_temporal, temporal", ErrInvalidParams)
	}
	return nil
}

type AttentionParams struct {
	Model        string  `json:"model"`
	EpisodeIndex int     `json:"episode_index"`
	Stride       int     `json:"stride"`
	MaxFrames    int     `json:"max_frames"`
	OverlayAlpha float64 `json:"overlay_alpha"`
}

func (p *AttentionParams) validate() error {
	switch {
	case p.EpisodeIndex < 0:
		return fmt.Errorf("%w: episode_index must be >= 0", ErrInvalidParams)
	case p.Stride < 1 || p.Stride > 10:
		return fmt.Errorf("%w: stride must be between 1 and 10", ErrInvalidParams)
	case p.MaxFrames < 1 || p.MaxFrames > 10000:
		return fmt.Errorf("%w: max_frames must be between 1 and 10000", ErrInvalidParams)
	case p.OverlayAlpha < 0 || p.OverlayAlpha > 1:
		return fmt.Errorf("%w: overlay_alpha must be between 0 and 1", ErrInvalidParams)
	}
	return nil
}

// NormalizeParams validates raw against the parameter schema of analysisType and
// returns the payload with defaults filled in. Unknown keys are dropped.
func NormalizeParams(analysisType string, raw map[string]any) (map[string]any, error) {
	newParams, ok := paramDefaults[analysisType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown analysis type %q", ErrInvalidParams, analysisType)
	}
	p := newParams()
	if err := DecodeParams(raw, p); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return toMap(p)
}

// ParamDefaults returns the default parameter payload for analysisType, or nil if unknown.
func ParamDefaults(analysisType string) map[string]any {
	newParams, ok := paramDefaults[analysisType]
	if !ok {
		return nil
	}
	m, _ := toMap(newParams())
	return m
}

// DecodeParams decodes a semi-structured parameter payload into v, keeping any
// values already set on v for keys absent from raw.
func DecodeParams(raw map[string]any, v any) error {
	if len(raw) == 0 {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
