// Package maintenance holds the out-of-band sweeps over the cache and trial
// stores: expiry, pruning, compaction, analysis, export and revalidation.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/tracker"
)

type Options struct {
	LowConfidence      float64
	PruneGraceDays     int
	TrialRetentionDays int
	// MetricsRetentionDays bounds daily_metrics history; 0 keeps it forever.
	MetricsRetentionDays int
	ChunkSize            int
	TopN                 int
	Clock                func() time.Time
	Metrics              *metrics.Metrics
	Logger               *slog.Logger
}

type Maintainer struct {
	cache   *cache.Cache
	store   *storage.CacheStore
	trials  *storage.TrialStore
	tracker *tracker.Tracker

	lowConfidence float64
	graceDays     int
	trialDays     int
	metricsDays   int
	chunk         int
	topN          int
	now           func() time.Time
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

func New(c *cache.Cache, store *storage.CacheStore, trials *storage.TrialStore, tr *tracker.Tracker, opts Options) *Maintainer {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = 500
	}
	if opts.TopN < 1 {
		opts.TopN = 10
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Maintainer{
		cache:         c,
		store:         store,
		trials:        trials,
		tracker:       tr,
		lowConfidence: opts.LowConfidence,
		graceDays:     opts.PruneGraceDays,
		trialDays:     opts.TrialRetentionDays,
		metricsDays:   opts.MetricsRetentionDays,
		chunk:         opts.ChunkSize,
		topN:          opts.TopN,
		now:           func() time.Time { return opts.Clock().UTC() },
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
}

// StepError records a failed step without aborting the steps after it.
type StepError struct {
	Step string `json:"step"`
	Err  string `json:"error"`
}

func stepError(step string, err error) StepError {
	return StepError{Step: step, Err: err.Error()}
}

type CleanupSummary struct {
	CacheRemoved   int           `json:"cache_removed"`
	TrialsRemoved  int           `json:"trials_removed"`
	MetricsRemoved int           `json:"metrics_removed"`
	Errors         []StepError   `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// CleanupExpiredData expires unused cache entries older than days and trials
// older than the trial retention (days when unset). Each step runs even if
// an earlier one failed.
func (m *Maintainer) CleanupExpiredData(ctx context.Context, days int) CleanupSummary {
	start := time.Now()
	var sum CleanupSummary

	n, err := m.cache.CleanupExpired(ctx, days)
	sum.CacheRemoved = n
	if err != nil {
		sum.Errors = append(sum.Errors, stepError("cache", err))
	}
	m.metrics.AddRemoved("expired", int64(n))

	trialDays := m.trialDays
	if trialDays <= 0 {
		trialDays = days
	}
	n, err = m.tracker.CleanupOld(ctx, trialDays)
	sum.TrialsRemoved = n
	if err != nil {
		sum.Errors = append(sum.Errors, stepError("trials", err))
	}

	if m.metricsDays > 0 {
		cutoff := storage.Day(m.now().AddDate(0, 0, -m.metricsDays))
		removed, err := m.store.DeleteMetricsBefore(ctx, cutoff)
		sum.MetricsRemoved = int(removed)
		if err != nil {
			sum.Errors = append(sum.Errors, stepError("metrics", err))
		}
	}

	sum.Duration = time.Since(start)
	m.logger.Info("maintenance: cleanup finished",
		"cache_removed", sum.CacheRemoved, "trials_removed", sum.TrialsRemoved,
		"metrics_removed", sum.MetricsRemoved, "errors", len(sum.Errors))
	return sum
}

type OptimizeSummary struct {
	LowValueRemoved int           `json:"low_value_removed"`
	OrphansRemoved  int           `json:"orphans_removed"`
	Vacuumed        []string      `json:"vacuumed"`
	Errors          []StepError   `json:"errors,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// Optimize prunes never-used low-confidence entries past the grace period,
// drops topics left without entries and compacts both stores. Deletes are
// chunked so the writer lock is released between batches; every step is
// idempotent and runs regardless of earlier failures.
func (m *Maintainer) Optimize(ctx context.Context) OptimizeSummary {
	start := time.Now()
	var sum OptimizeSummary

	cutoff := m.now().AddDate(0, 0, -m.graceDays)
	n, err := m.store.DeleteLowValue(ctx, m.lowConfidence, cutoff, m.chunk)
	sum.LowValueRemoved = int(n)
	if err != nil {
		sum.Errors = append(sum.Errors, stepError("prune", err))
	}
	m.metrics.AddRemoved("pruned", n)

	n, err = m.store.DeleteOrphanTopics(ctx, m.chunk)
	sum.OrphansRemoved = int(n)
	if err != nil {
		sum.Errors = append(sum.Errors, stepError("orphans", err))
	}
	m.metrics.AddRemoved("orphans", n)

	for _, db := range []*storage.DB{m.store.DB(), m.trials.DB()} {
		if err := db.Vacuum(ctx); err != nil {
			sum.Errors = append(sum.Errors, stepError("vacuum "+db.Path(), err))
			continue
		}
		sum.Vacuumed = append(sum.Vacuumed, db.Path())
	}

	sum.Duration = time.Since(start)
	m.logger.Info("maintenance: optimize finished",
		"low_value_removed", sum.LowValueRemoved, "orphans_removed", sum.OrphansRemoved,
		"vacuumed", len(sum.Vacuumed), "errors", len(sum.Errors))
	return sum
}

// RevalidateStale re-checks the batch least recently validated entries.
func (m *Maintainer) RevalidateStale(ctx context.Context, v cache.Checker, batch int) (checked, invalidated int, err error) {
	checked, invalidated, err = m.cache.Revalidate(ctx, v, batch)
	if err != nil {
		return checked, invalidated, err
	}
	m.logger.Info("maintenance: revalidation finished", "checked", checked, "invalidated", invalidated)
	return checked, invalidated, nil
}
