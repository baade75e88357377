package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/store"
	"github.com/robokit/robokit/pkg/models"
)

// rldsDescriptors are tried in order when extracting RLDS metadata.
var rldsDescriptors = []string{"features.json", "dataset_info.json", "dataset_infos.json"}

// MetadataHandler extracts sensor and episode metadata from LeRobot and RLDS
// datasets on the hub, and stores it on the dataset.
type MetadataHandler struct {
	datasets Datasets
	hub      hub.Client
}

func (h *MetadataHandler) Run(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
	ds, err := loadDataset(ctx, h.datasets, req.DatasetID)
	if err != nil {
		return nil, err
	}

	src := ds.Source.Type
	if src != models.SourceTypeHuggingFace {
		return nil, fmt.Errorf("unsupported dataset source type for metadata extraction: %s; dataset_id=%s, dataset_type=%s, source_type=%s",
			src, ds.ID, ds.FormatType, src)
	}

	var result *jobs.Result
	switch strings.ToLower(ds.FormatType) {
	case models.FormatLeRobot:
		result, err = h.extractLeRobot(ctx, ds)
	case models.FormatRLDS:
		result, err = h.extractRLDS(ctx, ds)
	default:
		return nil, fmt.Errorf("metadata extraction for huggingface supports dataset_type in {lerobot,rlds}; dataset_id=%s, dataset_type=%s, source_type=%s",
			ds.ID, ds.FormatType, src)
	}
	if err != nil {
		return nil, err
	}

	req.Progress(ctx, 0.9)

	metadata, _ := result.Full["metadata"].(map[string]any)
	err = h.datasets.WithTx(ctx, func(tx store.Store) error {
		return tx.UpdateDatasetMetadata(ctx, ds.ID, metadata)
	})
	if err != nil {
		return nil, fmt.Errorf("store dataset metadata: %w", err)
	}
	return result, nil
}

func (h *MetadataHandler) extractLeRobot(ctx context.Context, ds *models.Dataset) (*jobs.Result, error) {
	rawInfo, err := readFile(ctx, h.hub, ds, infoPath)
	if err != nil {
		if hub.IsMissing(err) {
			return nil, errors.New("missing or invalid meta/info.json")
		}
		return nil, err
	}
	var info lerobotInfo
	var rawMeta map[string]any
	if json.Unmarshal(rawInfo, &info) != nil || json.Unmarshal(rawInfo, &rawMeta) != nil {
		return nil, errors.New("missing or invalid meta/info.json")
	}

	episodes, err := readFile(ctx, h.hub, ds, episodesPath)
	if err != nil {
		if hub.IsMissing(err) {
			return nil, errors.New("missing meta/episodes.jsonl")
		}
		return nil, err
	}
	episodeCount := 0
	for _, line := range strings.Split(string(episodes), "\n") {
		if strings.TrimSpace(line) != "" {
			episodeCount++
		}
	}

	cameras := make([]any, 0)
	for _, name := range info.cameras() {
		cameras = append(cameras, describeCamera(name, info.Features[cameraPrefix+name]))
	}

	return &jobs.Result{
		Full: map[string]any{
			"metadata": map[string]any{
				"repo_id":  ds.Source.RepoID,
				"revision": ds.HubRevision(),
				"sensors":  map[string]any{"cameras": cameras},
				"episodes": episodeCount,
				"tasks":    []any{},
			},
			"raw_meta": map[string]any{infoPath: rawMeta},
		},
		Summary: map[string]any{
			"sensor_count":  len(cameras),
			"camera_count":  len(cameras),
			"episode_count": episodeCount,
		},
	}, nil
}

// describeCamera reads dimensions from the video info block, falling back to
// the feature shape.
func describeCamera(name string, f lerobotFeature) map[string]any {
	width, height := f.Info["video.width"], f.Info["video.height"]
	if (width == nil || height == nil) && len(f.Shape) >= 2 {
		names, _ := f.Names.([]any)
		hi, wi := indexOf(names, "height"), indexOf(names, "width")
		switch {
		case hi >= 0 && wi >= 0 && hi < len(f.Shape) && wi < len(f.Shape):
			height, width = f.Shape[hi], f.Shape[wi]
		case len(names) == 0 || (hi < 0 && wi < 0):
			height, width = f.Shape[0], f.Shape[1]
		}
	}
	return map[string]any{
		"name":   name,
		"width":  width,
		"height": height,
		"format": f.Info["video.codec"],
	}
}

func indexOf(names []any, want string) int {
	for i, n := range names {
		if s, ok := n.(string); ok && s == want {
			return i
		}
	}
	return -1
}

func (h *MetadataHandler) extractRLDS(ctx context.Context, ds *models.Dataset) (*jobs.Result, error) {
	found, raw, err := h.findRLDSDescriptor(ctx, ds)
	if err != nil {
		return nil, err
	}

	var featureKeys []string
	cameras := make([]any, 0)
	if found != "" {
		for _, key := range rldsFeatureKeys(found, raw) {
			featureKeys = append(featureKeys, key)
			lower := strings.ToLower(key)
			if strings.Contains(lower, "image") || strings.Contains(lower, "rgb") {
				parts := strings.Split(key, "/")
				cameras = append(cameras, map[string]any{
					"name": parts[len(parts)-1], "width": nil, "height": nil, "format": nil,
				})
			}
		}
	}
	if featureKeys == nil {
		featureKeys = []string{}
	}

	rawMeta := map[string]any{}
	for _, name := range rldsDescriptors {
		rawMeta[name] = nil
	}
	if found != "" {
		rawMeta[baseName(found)] = string(raw)
	}

	return &jobs.Result{
		Full: map[string]any{
			"metadata": map[string]any{
				"repo_id":  ds.Source.RepoID,
				"revision": ds.HubRevision(),
				"sensors":  map[string]any{"cameras": cameras},
				"features": featureKeys,
			},
			"raw_meta": rawMeta,
		},
		Summary: map[string]any{
			"sensor_count":  len(cameras),
			"camera_count":  len(cameras),
			"episode_count": nil,
		},
	}, nil
}

// findRLDSDescriptor returns the repo path and content of the first
// descriptor found at the repo root, or anywhere in the repo as a fallback.
// It returns an empty path when the repo has none.
func (h *MetadataHandler) findRLDSDescriptor(ctx context.Context, ds *models.Dataset) (string, []byte, error) {
	for _, name := range rldsDescriptors {
		b, err := readFile(ctx, h.hub, ds, name)
		if err == nil {
			return name, b, nil
		}
		if !hub.IsMissing(err) {
			return "", nil, err
		}
	}

	files, err := h.hub.ListFiles(ctx, ds.Source.RepoID, ds.HubRevision())
	if err != nil {
		return "", nil, err
	}
	for _, name := range rldsDescriptors {
		for _, f := range files {
			if !strings.HasSuffix(f, name) {
				continue
			}
			b, err := readFile(ctx, h.hub, ds, f)
			if err == nil {
				return f, b, nil
			}
			if !hub.IsMissing(err) {
				return "", nil, err
			}
		}
	}
	return "", nil, nil
}

// rldsFeatureKeys lists the feature names declared by a descriptor. Unparseable
// descriptors yield none.
func rldsFeatureKeys(path string, raw []byte) []string {
	var doc map[string]any
	if json.Unmarshal(raw, &doc) != nil {
		return nil
	}

	var features any
	switch baseName(path) {
	case "features.json":
		features = doc
		if f, ok := doc["features"]; ok {
			features = f
		}
	case "dataset_info.json":
		features = doc["features"]
	case "dataset_infos.json":
		// One entry per config; the first in key order wins.
		keys := sortedKeys(doc)
		if len(keys) > 0 {
			if cfg, ok := doc[keys[0]].(map[string]any); ok {
				features = cfg["features"]
			}
		}
	}

	m, ok := features.(map[string]any)
	if !ok {
		return nil
	}
	return sortedKeys(m)
}

func baseName(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
