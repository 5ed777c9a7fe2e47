// Package lease provides per-image mutual exclusion for optimization passes.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned by Acquire when another holder owns the key.
var ErrHeld = errors.New("lease held by another worker")

// Locker hands out non-blocking, per-key leases.
type Locker interface {
	// Acquire takes the lease for key or fails with ErrHeld. The returned
	// release func must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Local is a Locker for a single process.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an empty in-process lease table.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrHeld
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
