package worker

import (
	"context"
	"runtime"

	"golang.org/x/sync/semaphore"
)

// Offloader bounds how many CPU-heavy sections (frame encoding, numeric
// analysis) run at once, so job work cannot starve request handling.
type Offloader struct {
	sem *semaphore.Weighted
}

// NewOffloader allows at most n concurrent sections; n <= 0 means GOMAXPROCS.
func NewOffloader(n int) *Offloader {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return &Offloader{sem: semaphore.NewWeighted(int64(n))}
}

// Do runs fn once a slot is free. It returns ctx.Err() if ctx ends first.
func (o *Offloader) Do(ctx context.Context, fn func() error) error {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.sem.Release(1)
	return fn()
}

// Compute runs fn on o and returns its value.
func Compute[T any](ctx context.Context, o *Offloader, fn func() (T, error)) (T, error) {
	var out T
	err := o.Do(ctx, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}
