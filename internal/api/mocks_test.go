package api

import (
	"context"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/maintenance"
	"github.com/kalambet/topicimg/internal/resolver"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/tracker"
)

type mockResolver struct {
	fn func(ctx context.Context, topic, slideContext string) (resolver.Result, error)
}

func (m *mockResolver) Resolve(ctx context.Context, topic, slideContext string) (resolver.Result, error) {
	return m.fn(ctx, topic, slideContext)
}

type mockStats struct {
	stats cache.Stats
	err   error
}

func (m *mockStats) Stats(context.Context) (cache.Stats, error) {
	return m.stats, m.err
}

type mockTracker struct {
	runFn        func(name string, strategies []string, sampleSize int) (tracker.Result, error)
	experiments  []storage.Experiment
	experimentFn func(name string) (storage.Experiment, map[string]tracker.Summary, error)
	bestFn       func(minTrials int) (string, bool, error)
}

func (m *mockTracker) RunABTest(_ context.Context, name string, strategies []string, sampleSize int) (tracker.Result, error) {
	return m.runFn(name, strategies, sampleSize)
}

func (m *mockTracker) Experiments(context.Context) ([]storage.Experiment, error) {
	return m.experiments, nil
}

func (m *mockTracker) Experiment(_ context.Context, name string) (storage.Experiment, map[string]tracker.Summary, error) {
	return m.experimentFn(name)
}

func (m *mockTracker) BestStrategy(_ context.Context, minTrials int) (string, bool, error) {
	return m.bestFn(minTrials)
}

type mockMaintainer struct {
	cleanupDays int
	report      maintenance.Report
	reportErr   error
}

func (m *mockMaintainer) CleanupExpiredData(_ context.Context, days int) maintenance.CleanupSummary {
	m.cleanupDays = days
	return maintenance.CleanupSummary{CacheRemoved: 4, TrialsRemoved: 1}
}

func (m *mockMaintainer) Optimize(context.Context) maintenance.OptimizeSummary {
	return maintenance.OptimizeSummary{LowValueRemoved: 2, Vacuumed: []string{"a.db", "b.db"}}
}

func (m *mockMaintainer) AnalyzePerformance(_ context.Context, days int) (maintenance.Performance, error) {
	return maintenance.Performance{PeriodDays: days}, nil
}

func (m *mockMaintainer) Report(context.Context) (maintenance.Report, error) {
	return m.report, m.reportErr
}
