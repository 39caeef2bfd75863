package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Pool fans queue work out to a fixed set of workers sharing one
// ownership tracker.
type Pool struct {
	workers   []*Worker
	ownership *Ownership
	logger    *zap.Logger
}

// NewPool creates size workers. A size below one is raised to one.
func NewPool(size int, deps Deps, cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size < 1 {
		size = 1
	}
	if deps.Ownership == nil {
		deps.Ownership = NewOwnership()
	}
	named := logger.Named("worker")
	workers := make([]*Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, New(i, deps, cfg, named))
	}
	return &Pool{workers: workers, ownership: deps.Ownership, logger: logger}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool starting", zap.Int("workers", len(p.workers)))
	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(wk *Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Ownership exposes the shared tracker for the scheduler's in-flight check.
func (p *Pool) Ownership() *Ownership {
	return p.ownership
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.workers)
}
