package auditlog

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/davidleathers/policy-guardian/internal/domain/errors"
)

// Pruner removes records older than a cutoff
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Retention prunes audit sinks on a cron schedule
type Retention struct {
	logger    *zap.Logger
	retention time.Duration
	pruners   []Pruner
	cron      *cron.Cron
	now       func() time.Time
}

// NewRetention schedules pruning of records older than retention. schedule
// uses the standard five field cron syntax.
func NewRetention(logger *zap.Logger, schedule string, retention time.Duration, pruners ...Pruner) (*Retention, error) {
	if retention <= 0 {
		return nil, errors.NewConfigurationError("AUDIT_RETENTION", "retention must be positive")
	}

	r := &Retention{
		logger:    logger,
		retention: retention,
		pruners:   pruners,
		cron:      cron.New(),
		now:       time.Now,
	}

	if _, err := r.cron.AddFunc(schedule, func() {
		if _, err := r.RunOnce(context.Background()); err != nil {
			r.logger.Error("Audit retention run failed", zap.Error(err))
		}
	}); err != nil {
		return nil, errors.NewConfigurationError("AUDIT_RETENTION",
			fmt.Sprintf("invalid retention schedule %q", schedule)).WithCause(err)
	}
	return r, nil
}

// Start begins the schedule
func (r *Retention) Start() {
	r.cron.Start()
}

// Stop ends the schedule and waits for a running prune until ctx is done
func (r *Retention) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes every sink now and returns the total removed
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.retention)

	var total int64
	for _, p := range r.pruners {
		n, err := p.Prune(ctx, cutoff)
		if err != nil {
			return total, err
		}
		total += n
	}

	r.logger.Info("Audit retention completed",
		zap.Time("cutoff", cutoff),
		zap.Int64("removed", total),
	)
	return total, nil
}
