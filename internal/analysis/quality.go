package analysis

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// expectedTopics are the time series every LeRobot episode should carry.
var expectedTopics = []string{"action", "observation.state", "timestamp"}

// lackOfJitterRatio flags timestamps whose spread is suspiciously uniform,
// which usually means they were synthesized rather than recorded.
const lackOfJitterRatio = 5e-3

// QualityHandler computes timing, NaN and smoothness heuristics over the
// episode parquet files of a LeRobot dataset.
type QualityHandler struct {
	datasets  Datasets
	hub       hub.Client
	offloader *worker.Offloader
}

// episodeQuality is what one episode contributes to the aggregate.
type episodeQuality struct {
	nans       map[string]int
	dtsMs      []float64
	drops      int
	jerk       jerkStats
	jerkSignal string
}

func (h *QualityHandler) Run(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
	ds, err := loadDataset(ctx, h.datasets, req.DatasetID)
	if err != nil {
		return nil, err
	}
	format := strings.ToLower(ds.FormatType)
	if ds.Source.Type != models.SourceTypeHuggingFace || (format != models.FormatLeRobot && format != models.FormatRLDS) {
		return nil, errors.New("evaluate_quality_heuristics currently supports HuggingFace LeRobot/RLDS datasets only")
	}

	var params models.QualityHeuristicsParams
	if err := models.DecodeParams(req.Params, &params); err != nil {
		return nil, err
	}

	var info lerobotInfo
	if err := readJSON(ctx, h.hub, ds, infoPath, &info); err != nil {
		if hub.IsMissing(err) {
			return nil, errors.New("missing meta/info.json; cannot evaluate quality heuristics")
		}
		return nil, err
	}
	fps := info.fps()

	present := make(map[string]bool, len(info.Features))
	for k := range info.Features {
		present[k] = true
	}
	missing := []string{}
	for _, topic := range expectedTopics {
		if !present[topic] {
			missing = append(missing, topic)
		}
	}
	sort.Strings(missing)

	episodes := info.TotalEpisodes
	if params.MaxEpisodes != nil && *params.MaxEpisodes > 0 && *params.MaxEpisodes < episodes {
		episodes = *params.MaxEpisodes
	}

	nans := map[string]int{}
	var (
		allDts     []float64
		drops      int
		deltas     int
		jerkMeans  []float64
		jerkMaxes  []float64
		jerkP95s   []float64
		jerkSignal string
		evaluated  int
	)
	for ep := 0; ep < episodes; ep++ {
		q, err := h.evaluateEpisode(ctx, ds, &info, ep, fps)
		if err != nil {
			return nil, err
		}
		req.Progress(ctx, 0.1+0.8*float64(ep+1)/float64(episodes))
		if q == nil {
			continue
		}
		evaluated++

		for k, v := range q.nans {
			nans[k] += v
		}
		allDts = append(allDts, q.dtsMs...)
		drops += q.drops
		deltas += len(q.dtsMs)
		if q.jerkSignal != "" && jerkSignal == "" {
			jerkSignal = q.jerkSignal
		}
		if !math.IsNaN(q.jerk.Mean) {
			jerkMeans = append(jerkMeans, q.jerk.Mean)
			jerkMaxes = append(jerkMaxes, q.jerk.Max)
			jerkP95s = append(jerkP95s, q.jerk.P95)
		}
	}

	jitterMedian, jitterStd := math.NaN(), math.NaN()
	if len(allDts) > 0 {
		jitterMedian = median(allDts)
		_, jitterStd = stat.PopMeanStdDev(allDts, nil)
	}
	lackOfJitter := len(allDts) > 0 && jitterStd/math.Max(jitterMedian, 1e-6) < lackOfJitterRatio

	var frameDropRatio any
	if deltas > 0 {
		frameDropRatio = float64(drops) / float64(deltas)
	}

	jerkMean, jerkMax, jerkP95 := math.NaN(), math.NaN(), math.NaN()
	if len(jerkMeans) > 0 {
		jerkMean = stat.Mean(jerkMeans, nil)
		jerkMax = floats.Max(jerkMaxes)
		jerkP95 = stat.Mean(jerkP95s, nil)
	}
	var signal any
	if jerkSignal != "" {
		signal = jerkSignal
	}

	hasNaNs := false
	for _, v := range nans {
		if v > 0 {
			hasNaNs = true
			break
		}
	}

	return &jobs.Result{
		Full: map[string]any{
			"quality_heuristics": map[string]any{
				"nan_counts":       nans,
				"missing_topics":   missing,
				"frame_drop_ratio": frameDropRatio,
				"jitter_ms":        map[string]any{"median": nullable(jitterMedian), "std": nullable(jitterStd)},
				"lack_of_jitter":   lackOfJitter,
				"jerk": map[string]any{
					"mean":   nullable(jerkMean),
					"max":    nullable(jerkMax),
					"p95":    nullable(jerkP95),
					"signal": signal,
				},
			},
			"source_type":        ds.Source.Type,
			"dataset_type":       format,
			"parameters":         req.Params,
			"fps":                fps,
			"episodes_evaluated": episodes,
			"episodes_read":      evaluated,
		},
		Summary: map[string]any{
			"missing_topic_count": len(missing),
			"frame_drop_ratio":    frameDropRatio,
			"has_nans":            hasNaNs,
			"lack_of_jitter":      lackOfJitter,
			"jerk_mean":           nullable(jerkMean),
		},
	}, nil
}

// evaluateEpisode returns nil when the episode file is absent or unreadable.
func (h *QualityHandler) evaluateEpisode(ctx context.Context, ds *models.Dataset, info *lerobotInfo, ep int, fps float64) (*episodeQuality, error) {
	path := info.episodeDataPath(ep)
	local, err := h.hub.Download(ctx, ds.Source.RepoID, ds.HubRevision(), path)
	if err != nil {
		if hub.IsMissing(err) {
			slog.Warn("episode data missing, skipping", "dataset_id", ds.ID, "path", path)
			return nil, nil
		}
		return nil, err
	}

	return worker.Compute(ctx, h.offloader, func() (*episodeQuality, error) {
		t, err := readEpisodeTable(local)
		if err != nil {
			slog.Warn("episode data unreadable, skipping", "dataset_id", ds.ID, "path", path, "error", err)
			return nil, nil
		}

		q := &episodeQuality{nans: nanCounts(t)}

		ts := timestampSeries(t)
		if ts == nil {
			ts = make([]float64, t.rows)
			for i := range ts {
				ts[i] = float64(i) * 1000.0 / fps
			}
		}
		q.dtsMs = toMilliseconds(diff(ts))
		if len(q.dtsMs) > 0 {
			threshold := 1.5 * median(q.dtsMs)
			for _, d := range q.dtsMs {
				if d > threshold {
					q.drops++
				}
			}
		}

		q.jerk = nanJerk
		if vec, name := vectorSignal(t); vec != nil {
			q.jerkSignal = name
			q.jerk = computeJerk(vec, ts, fps)
		}
		return q, nil
	})
}

