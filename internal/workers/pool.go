package workers

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Pool limits how many CPU-bound functions run at once.
type Pool struct {
	sem  *semaphore.Weighted
	size int
}

// NewPool creates a pool with size slots. A size below 1 uses ForCPU(0).
func NewPool(size int) *Pool {
	if size < 1 {
		size = ForCPU(0)
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: size}
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Run waits for a free slot and runs fn while holding it. It returns
// ctx.Err() if the context ends before a slot frees up.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire worker: %w", err)
	}
	defer p.sem.Release(1)
	return fn()
}
