package worker

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrPoolIsClosing is returned by Acquire against a draining pool: it fails
// fast instead of blocking forever.
var ErrPoolIsClosing = errors.New("worker: slot pool is shutting down")

// Pool tracks the worker's total memory budget across VM slots, weighted by
// each acquisition's requested memory rather than a fixed slot count.
// Acquire blocks until enough memory is free; Release returns it.
type Pool struct {
	sem      *semaphore.Weighted
	capacity uint64

	mu      sync.Mutex
	inUse   uint64
	closing bool
}

// NewPool constructs a Pool with capacity bytes of total VM memory budget.
func NewPool(capacity uint64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(int64(capacity)), capacity: capacity}
}

// Acquire blocks until memory bytes are available and reserves them.
func (p *Pool) Acquire(ctx context.Context, memory uint64) error {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return ErrPoolIsClosing
	}
	if err := p.sem.Acquire(ctx, int64(memory)); err != nil {
		return err
	}
	p.mu.Lock()
	p.inUse += memory
	p.mu.Unlock()
	return nil
}

// TryAcquire reserves memory bytes without blocking, reporting whether it
// succeeded.
func (p *Pool) TryAcquire(memory uint64) bool {
	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if closing {
		return false
	}
	if !p.sem.TryAcquire(int64(memory)) {
		return false
	}
	p.mu.Lock()
	p.inUse += memory
	p.mu.Unlock()
	return true
}

// Release returns memory bytes to the pool.
func (p *Pool) Release(memory uint64) {
	p.mu.Lock()
	p.inUse -= memory
	p.mu.Unlock()
	p.sem.Release(int64(memory))
}

// FreeMemory reports the budget currently not reserved by an active slot,
// the figure advertised to the scheduler via UpdateResource.
func (p *Pool) FreeMemory() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity - p.inUse
}

// Capacity reports the pool's total memory budget.
func (p *Pool) Capacity() uint64 { return p.capacity }

// Close marks the pool as draining: subsequent Acquire calls fail with
// ErrPoolIsClosing. In-flight acquisitions are unaffected.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
}
