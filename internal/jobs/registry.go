package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Request is what a handler receives for one job execution.
type Request struct {
	JobID        uuid.UUID
	DatasetID    uuid.UUID
	AnalysisType string
	Params       map[string]any

	// Progress reports completion in [0, 1]. It never lowers the stored value,
	// and failures to record it are logged, not returned.
	Progress func(ctx context.Context, progress float64)
}

// Result is a handler's successful output. Both maps must be non-nil.
type Result struct {
	Full    map[string]any
	Summary map[string]any
}

// Handler runs one analysis type. Returned errors are recorded verbatim as the
// job's error message.
type Handler interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (*Result, error)

func (f HandlerFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Registry maps analysis types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h for analysisType. It panics on a nil handler or a
// duplicate registration, both of which are wiring bugs.
func (r *Registry) Register(analysisType string, h Handler) {
	if h == nil {
		panic(fmt.Sprintf("jobs: nil handler for %q", analysisType))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[analysisType]; dup {
		panic(fmt.Sprintf("jobs: handler for %q already registered", analysisType))
	}
	r.handlers[analysisType] = h
}

func (r *Registry) Lookup(analysisType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[analysisType]
	return h, ok
}

// Types returns the registered analysis types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
