package engine

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many nodes one DAG run has in flight. Each run
// builds its own pool and shuts it down when the run settles; nothing is
// shared across runs, so nested subflow runs never contend with their
// ancestors for slots.
type WorkerPool struct {
	slots chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	metrics PoolMetrics
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		quit:  make(chan struct{}),
	}
}

// Submit acquires a slot and runs fn on its own goroutine. It blocks at
// capacity and gives up on context cancellation or pool shutdown.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	// Shutdown may have raced the slot acquisition; wg.Add must not happen
	// after Shutdown's wg.Wait has started, so both run under the lock.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.metrics.Active++
	p.mu.Unlock()

	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		r := recover()
		p.mu.Lock()
		p.metrics.Active--
		if r != nil {
			p.metrics.Panics++
			p.metrics.Failed++
		}
		p.mu.Unlock()
		<-p.slots
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		p.mu.Lock()
		p.metrics.Failed++
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.metrics.Completed++
	p.mu.Unlock()
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight work to finish.
// Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
