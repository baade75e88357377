package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

var ErrNoFreePort = errors.New("no available stream port")

// minFrameInterval bounds the MJPEG tick rate whatever fps a dataset declares.
const minFrameInterval = time.Millisecond

// StreamInfo describes a live stream.
type StreamInfo struct {
	ViewerURL  string
	Port       int
	FramesSent int
	ExpiresAt  time.Time
}

// StreamManager serves buffered recordings as MJPEG, one HTTP server per
// dataset on its own port. Streams stop when their TTL expires.
type StreamManager struct {
	host      string
	portStart int
	portEnd   int

	mu      sync.Mutex
	streams map[uuid.UUID]*liveStream
	gates   map[uuid.UUID]*semaphore.Weighted
	now     func() time.Time
}

type liveStream struct {
	info   StreamInfo
	srv    *http.Server
	timer  *time.Timer
	frames *MemorySink
}

// NewStreamManager serves streams on the first free port in [portStart, portEnd).
func NewStreamManager(host string, portStart, portEnd int) *StreamManager {
	return &StreamManager{
		host:      host,
		portStart: portStart,
		portEnd:   portEnd,
		streams:   make(map[uuid.UUID]*liveStream),
		gates:     make(map[uuid.UUID]*semaphore.Weighted),
		now:       time.Now,
	}
}

// Active returns the running stream for a dataset, if any.
func (m *StreamManager) Active(datasetID uuid.UUID) (StreamInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[datasetID]
	if !ok || !m.now().Before(s.info.ExpiresAt) {
		return StreamInfo{}, false
	}
	return s.info, true
}

// Start serves frames for the dataset until ttl elapses. If a stream for the
// dataset is already running, its info is returned and frames are dropped.
func (m *StreamManager) Start(datasetID uuid.UUID, frames *MemorySink, fps float64, ttl time.Duration) (StreamInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.streams[datasetID]; ok {
		if m.now().Before(s.info.ExpiresAt) {
			return s.info, nil
		}
		m.stopLocked(datasetID, s)
	}

	ln, port, err := m.listen()
	if err != nil {
		return StreamInfo{}, err
	}

	s := &liveStream{
		info: StreamInfo{
			ViewerURL:  fmt.Sprintf("http://%s:%d/", m.host, port),
			Port:       port,
			FramesSent: frames.Len(),
			ExpiresAt:  m.now().Add(ttl),
		},
		frames: frames,
	}
	s.srv = &http.Server{
		Handler:           streamRouter(frames, fps, s.info),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("stream server stopped", "dataset_id", datasetID, "port", port, "error", err)
		}
	}()
	s.timer = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.streams[datasetID]; ok && cur == s {
			m.stopLocked(datasetID, s)
		}
	})

	m.streams[datasetID] = s
	slog.Info("stream started", "dataset_id", datasetID, "port", port, "frames", s.info.FramesSent, "expires_at", s.info.ExpiresAt)
	return s.info, nil
}

// StartOrReuse returns the dataset's running stream with reused set, or
// buffers frames with render and starts a new one. Callers for the same
// dataset are serialized, so concurrent jobs render once and the rest reuse.
func (m *StreamManager) StartOrReuse(ctx context.Context, datasetID uuid.UUID, ttl time.Duration, render func() (*MemorySink, float64, error)) (StreamInfo, bool, error) {
	gate := m.gate(datasetID)
	if err := gate.Acquire(ctx, 1); err != nil {
		return StreamInfo{}, false, err
	}
	defer gate.Release(1)

	if info, ok := m.Active(datasetID); ok {
		return info, true, nil
	}
	frames, fps, err := render()
	if err != nil {
		return StreamInfo{}, false, err
	}
	info, err := m.Start(datasetID, frames, fps, ttl)
	if err != nil {
		return StreamInfo{}, false, err
	}
	return info, false, nil
}

func (m *StreamManager) gate(datasetID uuid.UUID) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gates[datasetID]
	if !ok {
		g = semaphore.NewWeighted(1)
		m.gates[datasetID] = g
	}
	return g
}

func (m *StreamManager) listen() (net.Listener, int, error) {
	for port := m.portStart; port < m.portEnd; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("%w in %d..%d", ErrNoFreePort, m.portStart, m.portEnd)
}

func (m *StreamManager) stopLocked(datasetID uuid.UUID, s *liveStream) {
	s.timer.Stop()
	delete(m.streams, datasetID)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			s.srv.Close()
		}
		slog.Info("stream stopped", "dataset_id", datasetID, "port", s.info.Port)
	}()
}

// Shutdown stops every stream.
func (m *StreamManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uuid.UUID]*liveStream)
	m.mu.Unlock()

	var errs []error
	for _, s := range streams {
		s.timer.Stop()
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func streamRouter(frames *MemorySink, fps float64, info StreamInfo) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "<!doctype html><title>robokit stream</title><p>%d frames, expires %s</p>\n",
			info.FramesSent, info.ExpiresAt.UTC().Format(time.RFC3339))
		for _, cam := range frames.Cameras() {
			fmt.Fprintf(w, "<figure><img src=\"/cameras/%s.mjpg\"><figcaption>%s</figcaption></figure>\n", cam, cam)
		}
	})
	r.Get("/cameras/{camera}.mjpg", func(w http.ResponseWriter, r *http.Request) {
		serveMJPEG(w, r, frames, chi.URLParam(r, "camera"), fps)
	})
	return r
}

// frameInterval is the tick period for fps, never below minFrameInterval.
func frameInterval(fps float64) time.Duration {
	if fps <= 0 || math.IsNaN(fps) {
		fps = defaultFPS
	}
	d := time.Duration(float64(time.Second) / fps)
	if d < minFrameInterval {
		return minFrameInterval
	}
	return d
}

// serveMJPEG writes the camera's frames as multipart/x-mixed-replace at fps,
// looping until the client disconnects.
func serveMJPEG(w http.ResponseWriter, r *http.Request, frames *MemorySink, camera string, fps float64) {
	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(frameInterval(fps))
	defer ticker.Stop()

	sent := 0
	for i := 0; ; i++ {
		if i >= frames.Len() {
			if sent == 0 {
				return
			}
			i, sent = 0, 0
		}
		rec, _ := frames.Frame(i)
		jpg, ok := rec.Images[camera]
		if !ok {
			continue
		}

		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(len(jpg))},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(jpg); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		sent++

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
