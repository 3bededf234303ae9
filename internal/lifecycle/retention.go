package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore deletes aged metric samples.
type RetentionStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes metric samples older than the keep window.
type Retention struct {
	metrics  RetentionStore
	keepDays int
	logger   *slog.Logger
	now      func() time.Time
}

// NewRetention builds the retention job.
func NewRetention(metrics RetentionStore, keepDays int, logger *slog.Logger) *Retention {
	return &Retention{
		metrics:  metrics,
		keepDays: keepDays,
		logger:   logger.With("job", "metrics_retention"),
		now:      time.Now,
	}
}

// Name implements Job.
func (r *Retention) Name() string { return "metrics_retention" }

// Run deletes samples older than the keep window.
func (r *Retention) Run(ctx context.Context) error {
	cutoff := r.now().UTC().AddDate(0, 0, -r.keepDays)
	deleted, err := r.metrics.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		r.logger.Info("pruned metric samples", "deleted", deleted, "cutoff", cutoff)
	}
	return nil
}
