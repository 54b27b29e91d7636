package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Factory builds one worker with its own executor for the given ID.
type Factory func(id string) (*Worker, error)

// Pool manages a fleet of workers with a shared lifecycle.
type Pool struct {
	size    int
	factory Factory

	mu      sync.Mutex
	workers []*Worker
	started bool
}

// NewPool constructs a Pool of the given size.
func NewPool(size int, factory Factory) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, factory: factory}
}

// Start builds and starts every worker. On any failure the workers
// already running are stopped before the error is returned.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("op=pool.Start: pool already started")
	}

	for i := 0; i < p.size; i++ {
		id := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		w, err := p.factory(id)
		if err != nil {
			p.stopLocked(30 * time.Second)
			return fmt.Errorf("op=pool.Start: build %s: %w", id, err)
		}
		if err := w.Start(ctx); err != nil {
			p.stopLocked(30 * time.Second)
			return fmt.Errorf("op=pool.Start: start %s: %w", id, err)
		}
		p.workers = append(p.workers, w)
	}
	p.started = true
	slog.Info("worker pool started", slog.Int("size", p.size))
	return nil
}

// Stop drains every worker concurrently and waits for all of them.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked(timeout)
	p.started = false
}

func (p *Pool) stopLocked(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop(timeout)
		}(w)
	}
	wg.Wait()
}

// Wait blocks until the context is cancelled, then stops the pool.
func (p *Pool) Wait(ctx context.Context, stopTimeout time.Duration) {
	<-ctx.Done()
	p.Stop(stopTimeout)
}

// Workers returns the current workers.
func (p *Pool) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, len(p.workers))
	copy(out, p.workers)
	return out
}

// Stats aggregates per-worker stats.
func (p *Pool) Stats() []map[string]any {
	workers := p.Workers()
	out := make([]map[string]any, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Stats())
	}
	return out
}
