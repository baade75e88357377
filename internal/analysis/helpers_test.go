package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"
	"github.com/robokit/robokit/internal/hub"
	"github.com/robokit/robokit/internal/jobs"
	"github.com/robokit/robokit/internal/store/storetest"
	"github.com/robokit/robokit/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- fake hub ---

type fakeHub struct {
	dir string

	mu        sync.Mutex
	files     map[string][]byte
	errs      map[string]error
	downloads []string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	return &fakeHub{dir: t.TempDir(), files: map[string][]byte{}, errs: map[string]error{}}
}

func (f *fakeHub) put(path string, b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = b
}

func (f *fakeHub) putJSON(t *testing.T, path string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	f.put(path, b)
}

func (f *fakeHub) Download(ctx context.Context, repoID, revision, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, path)
	if err, ok := f.errs[path]; ok {
		return "", err
	}
	b, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("%w: %s (repo %s@%s)", hub.ErrNotFound, path, repoID, revision)
	}
	local := filepath.Join(f.dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(local, b, 0o644); err != nil {
		return "", err
	}
	return local, nil
}

func (f *fakeHub) ListFiles(ctx context.Context, repoID, revision string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

var _ hub.Client = (*fakeHub)(nil)

// --- fake frames ---

type fakeOpener struct {
	mu      sync.Mutex
	frames  int
	gaps    map[int]bool
	failAt  int
	opened  []*fakeSource
	openErr error
}

func (o *fakeOpener) Open(ctx context.Context, path string, maxSide int) (FrameSource, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	s := &fakeSource{n: o.frames, gaps: o.gaps, failAt: o.failAt, side: maxSide}
	o.opened = append(o.opened, s)
	return s, nil
}

func (o *fakeOpener) allClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.opened {
		if !s.closed {
			return false
		}
	}
	return true
}

type fakeSource struct {
	n, i   int
	gaps   map[int]bool
	failAt int
	side   int
	closed bool
}

func (s *fakeSource) Next() (image.Image, error) {
	if s.failAt > 0 && s.i == s.failAt {
		return nil, fmt.Errorf("corrupt frame %d", s.i)
	}
	if s.i >= s.n {
		return nil, io.EOF
	}
	i := s.i
	s.i++
	if s.gaps[i] {
		return nil, nil
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p] = uint8(i * 10)
		img.Pix[p+3] = 0xff
	}
	img.Set(0, 0, color.White)
	return img, nil
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

// --- parquet fixtures ---

type episodeRow struct {
	Timestamp  float32   `parquet:"timestamp"`
	FrameIndex int64     `parquet:"frame_index"`
	Action     []float32 `parquet:"action,list"`
	State      []float32 `parquet:"observation.state,list"`
	Done       bool      `parquet:"next.done"`
}

func writeEpisode(t *testing.T, rows []episodeRow) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[episodeRow](&buf)
	_, err := w.Write(rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// regularEpisode returns n rows sampled at fps with a smooth two-joint action.
func regularEpisode(n int, fps float64) []episodeRow {
	rows := make([]episodeRow, n)
	for i := range rows {
		x := float32(i)
		rows[i] = episodeRow{
			Timestamp:  float32(float64(i) / fps),
			FrameIndex: int64(i),
			Action:     []float32{x * x * x, 2 * x},
			State:      []float32{x, -x},
			Done:       i == n-1,
		}
	}
	return rows
}

func lerobotInfoDoc(totalEpisodes int, cameras ...string) map[string]any {
	features := map[string]any{
		"action":            map[string]any{"dtype": "float32", "shape": []int{2}},
		"observation.state": map[string]any{"dtype": "float32", "shape": []int{2}},
		"timestamp":         map[string]any{"dtype": "float32", "shape": []int{1}},
	}
	for _, cam := range cameras {
		features[cameraPrefix+cam] = map[string]any{
			"dtype": "video",
			"shape": []int{480, 640, 3},
			"names": []string{"height", "width", "channels"},
			"info":  map[string]any{"video.codec": "av1"},
		}
	}
	return map[string]any{
		"fps":            10,
		"total_episodes": totalEpisodes,
		"chunks_size":    1000,
		"features":       features,
	}
}

// --- datasets & requests ---

func hfDataset(st *storetest.Memory, format string) *models.Dataset {
	return st.AddDataset(&models.Dataset{
		Source:     models.DatasetSource{Type: models.SourceTypeHuggingFace, RepoID: "lerobot/pusht", Revision: "main"},
		FormatType: format,
	})
}

func newRequest(ds *models.Dataset, params map[string]any) jobs.Request {
	return jobs.Request{
		JobID:     uuid.New(),
		DatasetID: ds.ID,
		Params:    params,
		Progress:  func(ctx context.Context, p float64) {},
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
