package series

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cadence/backend/internal/domain"
)

type SweepResult struct {
	Series    int
	Extended  int
	Instances int
	Failed    []uuid.UUID
}

// SweepActive extends the window of every active series. A failing series is
// recorded in the result and does not stop the others.
func (m *Manager) SweepActive(ctx context.Context) (SweepResult, error) {
	started := time.Now()
	ids, err := m.store.ListSeriesIDs(ctx, domain.SeriesStatusActive)
	if err != nil {
		return SweepResult{}, err
	}

	var (
		mu  sync.Mutex
		res = SweepResult{Series: len(ids)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.SweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			n, err := m.ExtendWindow(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				m.log.Warn("sweep extend failed",
					slog.String("series_id", id.String()),
					slog.String("error", err.Error()),
				)
				res.Failed = append(res.Failed, id)
				return nil
			}
			if n > 0 {
				res.Extended++
				res.Instances += n
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	m.metrics.SweepFinished(time.Since(started), res.Series-len(res.Failed), len(res.Failed))
	m.log.Info("sweep finished",
		slog.Int("series", res.Series),
		slog.Int("extended", res.Extended),
		slog.Int("instances", res.Instances),
		slog.Int("failed", len(res.Failed)),
	)
	return res, nil
}

// VerifyActive checks every active series and returns the ids that diverge
// from their pattern.
func (m *Manager) VerifyActive(ctx context.Context) ([]uuid.UUID, error) {
	ids, err := m.store.ListSeriesIDs(ctx, domain.SeriesStatusActive)
	if err != nil {
		return nil, err
	}
	var bad []uuid.UUID
	for _, id := range ids {
		if err := m.VerifySeries(ctx, id); err != nil {
			m.log.Error("series inconsistent",
				slog.String("series_id", id.String()),
				slog.String("error", err.Error()),
			)
			bad = append(bad, id)
		}
	}
	return bad, nil
}
