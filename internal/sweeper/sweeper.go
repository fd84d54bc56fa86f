// Package sweeper periodically extends the rolling window of active series.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"cadence/backend/internal/service/series"
)

type Sweeper interface {
	SweepActive(ctx context.Context) (series.SweepResult, error)
}

// Leader gates the sweep to one replica.
type Leader interface {
	IsLeader() bool
}

type Runner struct {
	sweeper  Sweeper
	leader   Leader
	interval time.Duration
	log      *slog.Logger
}

func New(s Sweeper, leader Leader, interval time.Duration, log *slog.Logger) *Runner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Runner{
		sweeper:  s,
		leader:   leader,
		interval: interval,
		log:      log.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
// Ticks on a non-leader replica are skipped.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("sweeper started", slog.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !r.leader.IsLeader() {
		r.log.Debug("not leader, skipping sweep")
		return
	}
	res, err := r.sweeper.SweepActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("sweep failed", slog.String("error", err.Error()))
		}
		return
	}
	if len(res.Failed) > 0 {
		r.log.Warn("sweep finished with failures", slog.Int("failed", len(res.Failed)))
	}
}
