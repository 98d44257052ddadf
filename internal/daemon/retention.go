package daemon

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"beaconsync/internal/config"
)

type RecordPruner interface {
	DeleteAllRecords(ctx context.Context, before time.Time) (int64, error)
}

// Retention deletes records older than the retention period.
type Retention struct {
	store  RecordPruner
	cfg    config.Retention
	logger *slog.Logger
	now    func() time.Time
}

func NewRetention(store RecordPruner, cfg config.Retention, logger *slog.Logger) (*Retention, error) {
	if cfg.Period <= 0 || cfg.Interval <= 0 {
		return nil, errors.New("retention needs a positive period and interval")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{store: store, cfg: cfg, logger: logger.With("component", "retention"), now: time.Now}, nil
}

// Prune deletes every record older than now minus the period.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Period)
	n, err := r.store.DeleteAllRecords(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Info("records pruned", "count", n, "before", cutoff)
	}
	return n, nil
}

// Run prunes every interval until ctx is done.
func (r *Retention) Run(ctx context.Context) error {
	every(ctx, r.cfg.Interval, func(ctx context.Context) {
		if _, err := r.Prune(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("prune failed", "error", err)
		}
	})
	return nil
}
