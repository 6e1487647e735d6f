// Package loop is the autonomous background cycle: reconcile, monitor,
// detect improvement opportunities, and periodically clean house.
package loop

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"goalforge/internal/improve"
	"goalforge/internal/lifecycle"
	"goalforge/internal/logging"
	"goalforge/internal/monitor"
	"goalforge/internal/pathway"
	"goalforge/internal/store"
)

// Config holds the loop cadence.
type Config struct {
	CheckInterval       time.Duration // reconcile + monitor + improve
	MaintenanceInterval time.Duration // stats recompute + cache eviction
	MaxPerCycle         int           // improvement attempts per cycle
	EvictKeep           int           // invalid pathways kept after eviction
}

// DefaultConfig returns the standard cadence.
func DefaultConfig() Config {
	return Config{
		CheckInterval:       5 * time.Minute,
		MaintenanceInterval: 24 * time.Hour,
		MaxPerCycle:         3,
		EvictKeep:           100,
	}
}

// Loop drives the background work.
type Loop struct {
	cfg       Config
	store     *store.Store
	lifecycle *lifecycle.Manager
	monitor   *monitor.Monitor
	improver  *improve.Engine
	cache     *pathway.Cache
}

// New builds a loop. improver may be nil to disable self-improvement.
func New(cfg Config, st *store.Store, lm *lifecycle.Manager, mon *monitor.Monitor,
	imp *improve.Engine, cache *pathway.Cache) *Loop {
	return &Loop{
		cfg:       cfg,
		store:     st,
		lifecycle: lm,
		monitor:   mon,
		improver:  imp,
		cache:     cache,
	}
}

// Run blocks until ctx is cancelled, running the check cycle and the
// maintenance cycle on their intervals. Both cycles run once at start so a
// fresh process converges immediately.
func (l *Loop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(l.cfg.CheckInterval)
		defer ticker.Stop()

		l.Cycle(ctx)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				l.Cycle(ctx)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(l.cfg.MaintenanceInterval)
		defer ticker.Stop()

		l.Maintenance()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				l.Maintenance()
			}
		}
	})

	return g.Wait()
}

// Cycle runs one check pass: lifecycle reconciliation, deployment health
// checks, then bounded improvement of weak tools.
func (l *Loop) Cycle(ctx context.Context) {
	timer := logging.StartTimer(logging.CategoryLoop, "cycle")
	defer timer.Stop()

	if _, err := l.lifecycle.Reconcile(); err != nil {
		logging.Get(logging.CategoryLoop).Error("reconcile failed: %v", err)
	}

	if rolledBack, err := l.monitor.CheckAll(); err != nil {
		logging.Get(logging.CategoryLoop).Error("health checks failed: %v", err)
	} else if len(rolledBack) > 0 {
		logging.Loop("health checks rolled back %d deployments", len(rolledBack))
	}

	if l.improver == nil {
		return
	}
	opportunities, err := l.improver.Opportunities()
	if err != nil {
		logging.Get(logging.CategoryLoop).Error("opportunity detection failed: %v", err)
		return
	}
	for i, op := range opportunities {
		if i >= l.cfg.MaxPerCycle || ctx.Err() != nil {
			break
		}
		logging.Loop("improving %s (%.0f%% over %d uses)", op.ToolName, op.SuccessRate*100, op.TotalUses)
		if _, err := l.improver.Improve(ctx, op.ToolName); err != nil {
			logging.Get(logging.CategoryLoop).Error("improvement of %s failed: %v", op.ToolName, err)
		}
	}
}

// Maintenance runs one cleanup pass: statistics snapshots and eviction of
// invalid pathways.
func (l *Loop) Maintenance() {
	if n, err := l.store.RecomputeStatistics(); err != nil {
		logging.Get(logging.CategoryLoop).Error("statistics recompute failed: %v", err)
	} else if n > 0 {
		logging.Loop("recomputed statistics for %d tools", n)
	}

	if l.cache != nil {
		if n, err := l.cache.EvictInvalid(l.cfg.EvictKeep); err != nil {
			logging.Get(logging.CategoryLoop).Error("pathway eviction failed: %v", err)
		} else if n > 0 {
			logging.Loop("evicted %d invalid pathways", n)
		}
	}
}
