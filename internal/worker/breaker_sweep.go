package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/nanogw/nanogw/internal/circuitbreaker"
)

const (
	breakerSweepInterval = 60 * time.Second
	breakerStaleAfter    = 15 * time.Minute
)

// BreakerSweepWorker periodically evicts circuit breakers for providers that
// have gone quiet, so a provider retired from the catalog doesn't leave its
// breaker pinned in memory forever.
type BreakerSweepWorker struct {
	breakers *circuitbreaker.Registry
}

// NewBreakerSweepWorker creates a BreakerSweepWorker over the given registry.
func NewBreakerSweepWorker(breakers *circuitbreaker.Registry) *BreakerSweepWorker {
	return &BreakerSweepWorker{breakers: breakers}
}

// Name returns the worker identifier.
func (w *BreakerSweepWorker) Name() string { return "breaker_sweep" }

// Run evicts stale breakers on a periodic schedule until ctx is cancelled.
func (w *BreakerSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(breakerSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-breakerStaleAfter)
			if n := w.breakers.EvictStale(cutoff); n > 0 {
				slog.Info("evicted stale circuit breakers", "count", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
