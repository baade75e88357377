package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/robokit/robokit/internal/artifact"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/worker"
	"github.com/robokit/robokit/pkg/models"
	"golang.org/x/sync/errgroup"
)

// maxParallelDownloads bounds concurrent camera video downloads per job.
const maxParallelDownloads = 4

// RecordingHandler renders one LeRobot episode into a frame archive, or into
// a live MJPEG stream.
type RecordingHandler struct {
	datasets  Datasets
	hub       hub.Client
	offloader *worker.Offloader
	artifacts *artifact.Store
	streams   *StreamManager
	frames    FrameOpener
}

// episodeSource is everything decoded for one episode before frames are walked.
type episodeSource struct {
	fps     float64
	table   *episodeTable
	cameras []string
	sources map[string]FrameSource
}

func (e *episodeSource) close() {
	for cam, src := range e.sources {
		if err := src.Close(); err != nil {
			slog.Warn("closing frame source", "camera", cam, "error", err)
		}
	}
}

// renderStats counts what the frame walk produced.
type renderStats struct {
	written int
	skipped int
}

func (h *RecordingHandler) Run(ctx context.Context, req jobs.Request) (*jobs.Result, error) {
	params := models.DefaultRecordingParams()
	if err := models.DecodeParams(req.Params, params); err != nil {
		return nil, err
	}

	ds, err := loadDataset(ctx, h.datasets, req.DatasetID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(ds.FormatType, models.FormatLeRobot) {
		return nil, fmt.Errorf("unsupported dataset format: %s", ds.FormatType)
	}
	if ds.Source.Type != models.SourceTypeHuggingFace {
		return nil, fmt.Errorf("unsupported source type: %s", ds.Source.Type)
	}

	if params.Mode == models.RecordingModeStream {
		return h.stream(ctx, req, ds, params)
	}

	ep, err := h.openEpisode(ctx, ds, params)
	if err != nil {
		return nil, err
	}
	defer ep.close()
	req.Progress(ctx, 0.3)
	return h.record(ctx, req, ds, params, ep)
}

func (h *RecordingHandler) record(ctx context.Context, req jobs.Request, ds *models.Dataset, params *models.RecordingParams, ep *episodeSource) (*jobs.Result, error) {
	name := fmt.Sprintf("recording_%s.zip", time.Now().UTC().Format("20060102_150405"))
	f, err := h.artifacts.Create(ds.ID, req.JobID, name)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	localPath := f.Name()

	sink := NewZipSink(f, RecordingManifest{
		RepoID:       ds.Source.RepoID,
		Revision:     ds.HubRevision(),
		EpisodeIndex: params.EpisodeIndex,
		FPS:          ep.fps,
		Cameras:      ep.cameras,
		Stride:       params.Stride,
		CreatedAt:    time.Now().UTC(),
	})

	stats, err := h.render(ctx, req, params, ep, sink)
	if err == nil {
		err = sink.Close()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(localPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("removing partial recording", "path", localPath, "error", rmErr)
		}
		return nil, fmt.Errorf("write recording: %w", err)
	}

	url := h.artifacts.URL(ds.ID, req.JobID, name)
	return &jobs.Result{
		Full: map[string]any{
			"mode":           models.RecordingModeFile,
			"recording_url":  url,
			"local_path":     localPath,
			"frames_written": stats.written,
			"frames_skipped": stats.skipped,
			"episode_index":  params.EpisodeIndex,
			"cameras":        ep.cameras,
			"fps":            ep.fps,
		},
		Summary: map[string]any{
			"mode":           models.RecordingModeFile,
			"frames_written": stats.written,
			"recording_url":  url,
		},
	}, nil
}

// stream buffers the episode in memory and serves it, unless the dataset
// already has a live stream.
func (h *RecordingHandler) stream(ctx context.Context, req jobs.Request, ds *models.Dataset, params *models.RecordingParams) (*jobs.Result, error) {
	ttl := time.Duration(params.StreamingTTLSeconds) * time.Second
	info, reused, err := h.streams.StartOrReuse(ctx, ds.ID, ttl, func() (*MemorySink, float64, error) {
		ep, err := h.openEpisode(ctx, ds, params)
		if err != nil {
			return nil, 0, err
		}
		defer ep.close()
		req.Progress(ctx, 0.3)

		sink := NewMemorySink()
		if _, err := h.render(ctx, req, params, ep, sink); err != nil {
			return nil, 0, err
		}
		return sink, ep.fps, nil
	})
	if err != nil {
		return nil, err
	}
	return streamResult(info, reused), nil
}

func streamResult(info StreamInfo, reused bool) *jobs.Result {
	expires := info.ExpiresAt.UTC().Format(time.RFC3339)
	return &jobs.Result{
		Full: map[string]any{
			"mode":        models.RecordingModeStream,
			"viewer_url":  info.ViewerURL,
			"frames_sent": info.FramesSent,
			"expires_at":  expires,
			"port":        info.Port,
			"reused":      reused,
		},
		Summary: map[string]any{
			"mode":        models.RecordingModeStream,
			"frames_sent": info.FramesSent,
			"viewer_url":  info.ViewerURL,
		},
	}
}

// openEpisode reads the episode's metadata and rows and opens a frame source
// per camera video it can fetch.
func (h *RecordingHandler) openEpisode(ctx context.Context, ds *models.Dataset, params *models.RecordingParams) (*episodeSource, error) {
	var info lerobotInfo
	if err := readJSON(ctx, h.hub, ds, infoPath, &info); err != nil && !hub.IsMissing(err) {
		return nil, err
	}

	cameras := info.cameras()
	if len(cameras) == 0 {
		discovered, err := h.discoverCameras(ctx, ds, params.EpisodeIndex)
		if err != nil {
			return nil, err
		}
		cameras = discovered
	}

	dataPath := info.episodeDataPath(params.EpisodeIndex)
	local, err := h.hub.Download(ctx, ds.Source.RepoID, ds.HubRevision(), dataPath)
	if err != nil {
		if hub.IsMissing(err) {
			return nil, fmt.Errorf("could not find parquet data for episode %d", params.EpisodeIndex)
		}
		return nil, err
	}
	table, err := worker.Compute(ctx, h.offloader, func() (*episodeTable, error) {
		return readEpisodeTable(local)
	})
	if err != nil {
		return nil, err
	}

	videos, err := h.downloadVideos(ctx, ds, &info, params.EpisodeIndex, cameras)
	if err != nil {
		return nil, err
	}
	if len(videos) == 0 {
		return nil, fmt.Errorf("could not load any video files for episode %d", params.EpisodeIndex)
	}

	ep := &episodeSource{fps: info.fps(), table: table, sources: make(map[string]FrameSource)}
	for _, cam := range cameras {
		p, ok := videos[cam]
		if !ok {
			continue
		}
		src, err := h.frames.Open(ctx, p, params.DownscaleLongSide)
		if err != nil {
			ep.close()
			return nil, fmt.Errorf("open video for camera %s: %w", cam, err)
		}
		ep.sources[cam] = src
		ep.cameras = append(ep.cameras, cam)
	}
	return ep, nil
}

// discoverCameras finds camera names from the repo's video layout.
func (h *RecordingHandler) discoverCameras(ctx context.Context, ds *models.Dataset, episode int) ([]string, error) {
	files, err := h.hub.ListFiles(ctx, ds.Source.RepoID, ds.HubRevision())
	if err != nil {
		return nil, err
	}
	want := fmt.Sprintf("episode_%06d.mp4", episode)
	seen := map[string]bool{}
	var cameras []string
	for _, f := range files {
		parts := strings.Split(f, "/")
		if len(parts) < 4 || parts[0] != "videos" || path.Base(f) != want {
			continue
		}
		cam, ok := strings.CutPrefix(parts[2], cameraPrefix)
		if ok && !seen[cam] {
			seen[cam] = true
			cameras = append(cameras, cam)
		}
	}
	return cameras, nil
}

// downloadVideos fetches camera videos in parallel. Cameras whose video is
// missing are left out.
func (h *RecordingHandler) downloadVideos(ctx context.Context, ds *models.Dataset, info *lerobotInfo, episode int, cameras []string) (map[string]string, error) {
	var mu sync.Mutex
	out := make(map[string]string, len(cameras))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for _, cam := range cameras {
		g.Go(func() error {
			p := info.episodeVideoPath(episode, cam)
			local, err := h.hub.Download(gctx, ds.Source.RepoID, ds.HubRevision(), p)
			if err != nil {
				if hub.IsMissing(err) {
					slog.Warn("camera video missing", "dataset_id", ds.ID, "camera", cam, "path", p)
					return nil
				}
				return err
			}
			mu.Lock()
			out[cam] = local
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// render walks the episode rows, pulling one frame per camera for every row
// so videos stay aligned, and hands each kept row to sink.
func (h *RecordingHandler) render(ctx context.Context, req jobs.Request, params *models.RecordingParams, ep *episodeSource, sink FrameSink) (renderStats, error) {
	var stats renderStats
	t := ep.table
	exhausted := make(map[string]bool, len(ep.sources))
	kept := 0

	total := t.rows
	if limit := params.MaxFrames * params.Stride; limit < total {
		total = limit
	}

	for row := 0; row < t.rows && kept < params.MaxFrames; row++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if len(exhausted) == len(ep.sources) {
			break
		}

		keep := row%params.Stride == 0
		frames := make(map[string]image.Image, len(ep.sources))
		for _, cam := range ep.cameras {
			if exhausted[cam] {
				continue
			}
			img, err := ep.sources[cam].Next()
			if errors.Is(err, io.EOF) {
				exhausted[cam] = true
				continue
			}
			if err != nil {
				return stats, err
			}
			if keep && img != nil {
				frames[cam] = img
			}
		}
		if len(frames) == 0 && len(exhausted) == len(ep.sources) {
			break
		}
		if !keep {
			continue
		}
		kept++

		if len(frames) == 0 {
			stats.skipped++
			continue
		}

		rec := rowRecord(t, row)
		images, err := h.encode(ctx, frames, params.JPEGQuality)
		if err != nil {
			return stats, err
		}
		rec.Images = images
		if err := sink.WriteFrame(rec); err != nil {
			return stats, err
		}
		stats.written++

		if stats.written%100 == 0 && total > 0 {
			req.Progress(ctx, 0.3+0.6*float64(row)/float64(total))
		}
	}
	return stats, nil
}

// encode compresses frames to JPEG on the offloader.
func (h *RecordingHandler) encode(ctx context.Context, frames map[string]image.Image, quality int) (map[string][]byte, error) {
	return worker.Compute(ctx, h.offloader, func() (map[string][]byte, error) {
		out := make(map[string][]byte, len(frames))
		for cam, img := range frames {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return nil, fmt.Errorf("encode %s frame: %w", cam, err)
			}
			out[cam] = buf.Bytes()
		}
		return out, nil
	})
}

// rowRecord pulls the logged signals of one row: timestamp, action, state and next.* values.
func rowRecord(t *episodeTable, row int) *FrameRecord {
	rec := &FrameRecord{Index: row}
	if c := t.column("frame_index"); c != nil && !c.list {
		if v := c.scalar(row); !math.IsNaN(v) {
			rec.Index = int(v)
		}
	}
	if c := t.column("timestamp"); c != nil && !c.list {
		if v := c.scalar(row); !math.IsNaN(v) {
			rec.Timestamp = &v
		}
	}
	if c := t.column("action"); c != nil && row < len(c.cells) {
		rec.Action = finite(c.cells[row])
	}
	if c := t.column("observation.state"); c != nil && row < len(c.cells) {
		rec.State = finite(c.cells[row])
	}
	for _, name := range t.names() {
		key, ok := strings.CutPrefix(name, "next.")
		if !ok {
			continue
		}
		if v := t.column(name).scalar(row); !math.IsNaN(v) {
			if rec.Next == nil {
				rec.Next = map[string]float64{}
			}
			rec.Next[key] = v
		}
	}
	return rec
}

// finite returns v unless it holds NaN or Inf, which JSON cannot carry.
func finite(v []float64) []float64 {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil
		}
	}
	return v
}
