// Package tasks runs background pipelines kicked off by request handlers.
// Unlike a bare goroutine, submissions are tracked by key, so the same
// session cannot be processed twice concurrently and shutdown can drain
// in-flight work.
package tasks

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrAlreadyRunning = errors.New("task already running for this key")

// Runner tracks background tasks by key.
type Runner struct {
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

func NewRunner(logger zerolog.Logger) *Runner {
	return &Runner{
		logger:  logger,
		running: make(map[string]struct{}),
	}
}

// Submit launches fn in the background under the given key. It returns
// ErrAlreadyRunning if a task with the same key is still in flight.
func (r *Runner) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if _, ok := r.running[key]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running[key] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, key)
			r.mu.Unlock()
		}()

		if err := fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("task", key).Msg("background task failed")
		}
	}()
	return nil
}

// Running reports whether a task with the given key is in flight.
func (r *Runner) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[key]
	return ok
}

// Wait blocks until all submitted tasks finish. Used during shutdown so a
// restart does not silently abandon an in-flight extraction.
func (r *Runner) Wait() {
	r.wg.Wait()
}
