package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/pkg/models"
)

const (
	infoPath     = "meta/info.json"
	episodesPath = "meta/episodes.jsonl"

	defaultFPS        = 30.0
	defaultChunksSize = 1000
	defaultDataPath   = "data/chunk-{episode_chunk:03d}/episode_{episode_index:06d}.parquet"
	defaultVideoPath  = "videos/chunk-{episode_chunk:03d}/{video_key}/episode_{episode_index:06d}.mp4"

	cameraPrefix = "observation.images."
)

// lerobotInfo is the subset of a LeRobot meta/info.json the handlers use.
type lerobotInfo struct {
	FPS           float64                   `json:"fps"`
	TotalEpisodes int                       `json:"total_episodes"`
	ChunksSize    int                       `json:"chunks_size"`
	DataPath      string                    `json:"data_path"`
	VideoPath     string                    `json:"video_path"`
	Features      map[string]lerobotFeature `json:"features"`
}

type lerobotFeature struct {
	DType string         `json:"dtype"`
	Shape []int          `json:"shape"`
	Names any            `json:"names"`
	Info  map[string]any `json:"info"`
}

func (i *lerobotInfo) fps() float64 {
	if i.FPS > 0 {
		return i.FPS
	}
	return defaultFPS
}

func (i *lerobotInfo) chunksSize() int {
	if i.ChunksSize > 0 {
		return i.ChunksSize
	}
	return defaultChunksSize
}

func (i *lerobotInfo) episodeDataPath(episode int) string {
	tmpl := i.DataPath
	if tmpl == "" {
		tmpl = defaultDataPath
	}
	return formatPath(tmpl, map[string]any{
		"episode_chunk": episode / i.chunksSize(),
		"episode_index": episode,
	})
}

func (i *lerobotInfo) episodeVideoPath(episode int, camera string) string {
	tmpl := i.VideoPath
	if tmpl == "" {
		tmpl = defaultVideoPath
	}
	return formatPath(tmpl, map[string]any{
		"episode_chunk": episode / i.chunksSize(),
		"episode_index": episode,
		"video_key":     cameraPrefix + camera,
	})
}

// cameras returns the names of video features, sorted.
func (i *lerobotInfo) cameras() []string {
	var out []string
	for key, f := range i.Features {
		if strings.HasPrefix(key, cameraPrefix) && f.DType == "video" {
			out = append(out, strings.TrimPrefix(key, cameraPrefix))
		}
	}
	sort.Strings(out)
	return out
}

var placeholderRe = regexp.MustCompile(`\{(\w+)(?::0?(\d+)d)?\}`)

// formatPath expands "{name}" and "{name:03d}" placeholders in a LeRobot path template.
func formatPath(tmpl string, vals map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		v, ok := vals[sub[1]]
		if !ok {
			return m
		}
		if n, isInt := v.(int); isInt {
			if sub[2] != "" {
				width, _ := strconv.Atoi(sub[2])
				return fmt.Sprintf("%0*d", width, n)
			}
			return strconv.Itoa(n)
		}
		return fmt.Sprint(v)
	})
}

// readJSON downloads path from the dataset's repo and decodes it into v.
func readJSON(ctx context.Context, c hub.Client, ds *models.Dataset, path string, v any) error {
	b, err := readFile(ctx, c, ds, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func readFile(ctx context.Context, c hub.Client, ds *models.Dataset, path string) ([]byte, error) {
	local, err := c.Download(ctx, ds.Source.RepoID, ds.HubRevision(), path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(local)
}

// loadDataset fetches the dataset a job runs against.
func loadDataset(ctx context.Context, d Datasets, id uuid.UUID) (*models.Dataset, error) {
	ds, err := d.GetDataset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dataset not found: id=%s: %w", id, err)
	}
	return ds, nil
}
