package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/topicimg/internal/cache"
)

// Sweeper is the part of Maintainer the scheduler drives.
type Sweeper interface {
	CleanupExpiredData(ctx context.Context, days int) CleanupSummary
	Optimize(ctx context.Context) OptimizeSummary
	RevalidateStale(ctx context.Context, v cache.Checker, batch int) (checked, invalidated int, err error)
}

type SchedulerOptions struct {
	Interval    time.Duration
	CleanupDays int
	// Checker and RevalidateBatch enable a revalidation pass after optimize.
	Checker         cache.Checker
	RevalidateBatch int
	Logger          *slog.Logger
}

// Scheduler runs cleanup and optimize on a fixed interval.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	days     int
	checker  cache.Checker
	batch    int
	logger   *slog.Logger
}

// NewScheduler returns a scheduler for s. An interval <= 0 defaults to 24h.
func NewScheduler(s Sweeper, opts SchedulerOptions) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.CleanupDays < 1 {
		opts.CleanupDays = 30
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Scheduler{
		sweeper:  s,
		interval: opts.Interval,
		days:     opts.CleanupDays,
		checker:  opts.Checker,
		batch:    opts.RevalidateBatch,
		logger:   opts.Logger,
	}
}

// Run sweeps once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.RunOnce(ctx); err != nil {
			s.logger.Error("maintenance sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// RunOnce performs a single sweep. Step failures are joined into the
// returned error; every step still runs.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	collect := func(steps []StepError) {
		for _, st := range steps {
			errs = append(errs, fmt.Errorf("%s: %s", st.Step, st.Err))
		}
	}

	collect(s.sweeper.CleanupExpiredData(ctx, s.days).Errors)
	collect(s.sweeper.Optimize(ctx).Errors)

	if s.checker != nil && s.batch > 0 {
		if _, _, err := s.sweeper.RevalidateStale(ctx, s.checker, s.batch); err != nil {
			errs = append(errs, fmt.Errorf("revalidate: %w", err))
		}
	}
	return errors.Join(errs...)
}
