// Package scheduler periodically pushes due watches onto the work queue.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/changewatch/internal/metrics"
	"github.com/JakeFAU/changewatch/internal/watch"
)

const defaultTickInterval = 3 * time.Second

// Config controls Scheduler behavior.
type Config struct {
	TickInterval time.Duration
	// GlobalMinutes is the interval used by watches without an override.
	GlobalMinutes int
}

// Scheduler computes the due set on every tick.
type Scheduler struct {
	registry watch.Registry
	queue    watch.WorkQueue
	inFlight watch.InFlight
	clock    watch.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Scheduler. inFlight may be nil when no worker tracking is available.
func New(
	registry watch.Registry,
	queue watch.WorkQueue,
	inFlight watch.InFlight,
	clock watch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.GlobalMinutes <= 0 {
		cfg.GlobalMinutes = watch.DefaultMinutesBetweenCheck
	}
	return &Scheduler{
		registry: registry,
		queue:    queue,
		inFlight: inFlight,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled. The first pass runs immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler starting", zap.Duration("tick", s.cfg.TickInterval))
	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one scheduling pass and returns how many IDs were pushed.
func (s *Scheduler) Tick(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	now := s.now()
	due, err := s.registry.DueWatches(ctx, now, s.cfg.GlobalMinutes)
	if err != nil {
		s.logger.Error("load due watches failed", zap.Error(err))
		return 0
	}

	pushed, skipped := 0, 0
	for _, w := range due {
		if s.busy(w.ID) {
			skipped++
			continue
		}
		if s.queue.Push(w.ID) {
			pushed++
		} else {
			skipped++
		}
	}
	depth := s.queue.Len()
	metrics.ObserveScheduled(pushed, depth)
	s.logger.Debug("scheduler tick",
		zap.Int("due", len(due)),
		zap.Int("pushed", pushed),
		zap.Int("skipped", skipped),
		zap.Int("queue_depth", depth),
	)
	return pushed
}

func (s *Scheduler) busy(id string) bool {
	if s.queue.Contains(id) {
		return true
	}
	return s.inFlight != nil && s.inFlight.IsOwned(id)
}

func (s *Scheduler) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}
