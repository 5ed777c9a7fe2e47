package optimize

import (
	"context"
	"log/slog"
	"sync"
)

// Background runs best-effort optimization passes off the request path.
// Failures are logged and otherwise ignored.
type Background struct {
	ctx    context.Context
	opt    *Optimizer
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewBackground creates a scheduler whose passes run under ctx, detached
// from its cancellation.
func NewBackground(ctx context.Context, opt *Optimizer, logger *slog.Logger) *Background {
	if logger == nil {
		logger = slog.Default()
	}
	return &Background{
		ctx:    context.WithoutCancel(ctx),
		opt:    opt,
		logger: logger.With("component", "background"),
	}
}

// Schedule starts one optimization pass for id and returns immediately.
func (b *Background) Schedule(id string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		res, err := b.opt.Optimize(b.ctx, id)
		if err != nil {
			b.logger.Warn("background optimization failed", "id", id, "error", err)
			return
		}
		b.logger.Debug("background optimization finished", "id", id, "outcome", res.Outcome.String())
	}()
}

// Wait blocks until every scheduled pass has finished.
func (b *Background) Wait() {
	b.wg.Wait()
}
