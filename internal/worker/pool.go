package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	ErrQueueFull  = errors.New("worker queue full")
	ErrPoolClosed = errors.New("worker pool closed")
)

// Task is a unit of work run by the pool.
type Task func(ctx context.Context) error

// Pool runs submitted tasks on a fixed number of goroutines, fed by a bounded
// FIFO queue. Submit never blocks.
type Pool struct {
	tasks   chan Task
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewPool creates a pool with the given number of workers and queue capacity.
func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	return &Pool{tasks: make(chan Task, queueSize), workers: workers}
}

// Start launches the workers. Tasks receive ctx.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			for task := range p.tasks {
				p.run(ctx, id, task)
			}
		}(i)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in worker task", "worker", id, "error", r, "stack", string(debug.Stack()))
		}
	}()
	if err := task(ctx); err != nil {
		slog.Error("worker task failed", "worker", id, "error", err)
	}
}

// Submit enqueues task. It returns ErrQueueFull when the queue is saturated
// and ErrPoolClosed after Stop has been called.
func (p *Pool) Submit(task Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.tasks)
}

// Stop stops accepting tasks and waits for queued and running tasks to finish,
// or for ctx to be done, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
