package analysis

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// FrameRecord is one kept dataset row with the JPEG frames decoded for it.
type FrameRecord struct {
	Index     int                `json:"frame_index"`
	Timestamp *float64           `json:"timestamp,omitempty"`
	Action    []float64          `json:"action,omitempty"`
	State     []float64          `json:"state,omitempty"`
	Next      map[string]float64 `json:"next,omitempty"`
	Images    map[string][]byte  `json:"-"`
}

// cameras returns the cameras that produced an image for the record, sorted.
func (r *FrameRecord) cameras() []string {
	return sortedKeys(r.Images)
}

// FrameSink receives frame records in order.
type FrameSink interface {
	WriteFrame(rec *FrameRecord) error
	Close() error
}

// RecordingManifest describes a recording archive.
type RecordingManifest struct {
	RepoID        string    `json:"repo_id"`
	Revision      string    `json:"revision"`
	EpisodeIndex  int       `json:"episode_index"`
	FPS           float64   `json:"fps"`
	Cameras       []string  `json:"cameras"`
	Stride        int       `json:"stride"`
	FramesWritten int       `json:"frames_written"`
	CreatedAt     time.Time `json:"created_at"`
}

// ZipSink writes a recording archive: images/<camera>/frame_<n>.jpg per
// frame, then frames.jsonl and manifest.json on Close.
type ZipSink struct {
	zw       *zip.Writer
	lines    bytes.Buffer
	manifest RecordingManifest
	written  int
	closed   bool
}

func NewZipSink(w io.Writer, manifest RecordingManifest) *ZipSink {
	return &ZipSink{zw: zip.NewWriter(w), manifest: manifest}
}

type frameLine struct {
	*FrameRecord
	Images map[string]string `json:"images"`
}

func (s *ZipSink) WriteFrame(rec *FrameRecord) error {
	images := make(map[string]string, len(rec.Images))
	for _, cam := range rec.cameras() {
		name := fmt.Sprintf("images/%s/frame_%d.jpg", cam, rec.Index)
		// JPEG data is already compressed.
		f, err := s.zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: s.manifest.CreatedAt})
		if err != nil {
			return fmt.Errorf("add %s: %w", name, err)
		}
		if _, err := f.Write(rec.Images[cam]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		images[cam] = name
	}

	b, err := json.Marshal(frameLine{FrameRecord: rec, Images: images})
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", rec.Index, err)
	}
	s.lines.Write(b)
	s.lines.WriteByte('\n')
	s.written++
	return nil
}

// Written returns the number of frames accepted so far.
func (s *ZipSink) Written() int {
	return s.written
}

func (s *ZipSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	f, err := s.zw.Create("frames.jsonl")
	if err != nil {
		return fmt.Errorf("add frames.jsonl: %w", err)
	}
	if _, err := f.Write(s.lines.Bytes()); err != nil {
		return fmt.Errorf("write frames.jsonl: %w", err)
	}

	s.manifest.FramesWritten = s.written
	f, err = s.zw.Create("manifest.json")
	if err != nil {
		return fmt.Errorf("add manifest.json: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.manifest); err != nil {
		return fmt.Errorf("write manifest.json: %w", err)
	}
	return s.zw.Close()
}

// MemorySink buffers frames for live streaming. It is safe to read while
// written to.
type MemorySink struct {
	mu     sync.RWMutex
	frames []*FrameRecord
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) WriteFrame(rec *FrameRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, rec)
	return nil
}

func (s *MemorySink) Close() error { return nil }

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Frame returns the i-th buffered frame.
func (s *MemorySink) Frame(i int) (*FrameRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return nil, false
	}
	return s.frames[i], true
}

// Cameras returns every camera seen in the buffered frames, sorted.
func (s *MemorySink) Cameras() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	for _, f := range s.frames {
		for cam := range f.Images {
			seen[cam] = true
		}
	}
	out := make([]string, 0, len(seen))
	for cam := range seen {
		out = append(out, cam)
	}
	sort.Strings(out)
	return out
}
