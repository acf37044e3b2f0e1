package maintenance

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/tracker"
)

const reportWindowDays = 30

type DailyMetric struct {
	Date            string  `json:"date"`
	Lookups         int     `json:"lookups"`
	Hits            int     `json:"hits"`
	GenerationCalls int     `json:"generation_calls"`
	HitRate         float64 `json:"hit_rate"`
}

type TopTopic struct {
	Topic      string  `json:"topic"`
	TopicKey   string  `json:"topic_key"`
	Images     int     `json:"images"`
	TotalUsage int     `json:"total_usage"`
	AvgConf    float64 `json:"avg_confidence"`
}

type SourcePerformance struct {
	Source      string  `json:"source"`
	Total       int     `json:"total"`
	Valid       int     `json:"valid"`
	SuccessRate float64 `json:"success_rate"`
}

type Performance struct {
	PeriodDays         int                 `json:"period_days"`
	TotalLookups       int                 `json:"total_lookups"`
	CacheHits          int                 `json:"cache_hits"`
	GenerationCalls    int                 `json:"generation_calls"`
	HitRate            float64             `json:"hit_rate"`
	GenerationCallRate float64             `json:"generation_call_rate"`
	TotalTopics        int                 `json:"total_topics"`
	TotalImages        int                 `json:"total_images"`
	ValidImages        int                 `json:"valid_images"`
	ImageSuccessRate   float64             `json:"image_success_rate"`
	AvgUsage           float64             `json:"avg_usage"`
	Daily              []DailyMetric       `json:"daily"`
	TopTopics          []TopTopic          `json:"top_topics"`
	Sources            []SourcePerformance `json:"sources"`
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// AnalyzePerformance aggregates the last days of daily metrics together with
// the current shape of the cache. The reads are independent and run
// concurrently.
func (m *Maintainer) AnalyzePerformance(ctx context.Context, days int) (Performance, error) {
	if days < 1 {
		return Performance{}, fmt.Errorf("analysis window must be >= 1 day, got %d", days)
	}
	since := storage.Day(m.now().AddDate(0, 0, -(days - 1)))

	var (
		stats storage.CacheStats
		daily []storage.DailyMetrics
		top   []storage.TopicUsage
		bySrc []storage.SourceStats
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		stats, err = m.store.Stats(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		daily, err = m.store.MetricsSince(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		top, err = m.store.TopTopics(gctx, m.topN)
		return err
	})
	g.Go(func() error {
		var err error
		bySrc, err = m.store.SourceBreakdown(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Performance{}, fmt.Errorf("analyzing performance: %w", err)
	}

	p := Performance{
		PeriodDays:         days,
		TotalLookups:       stats.Lookups,
		CacheHits:          stats.Hits,
		GenerationCalls:    stats.Generations,
		HitRate:            ratio(stats.Hits, stats.Lookups),
		GenerationCallRate: ratio(stats.Generations, stats.Lookups),
		TotalTopics:        stats.TotalTopics,
		TotalImages:        stats.TotalImages,
		ValidImages:        stats.ValidImages,
		ImageSuccessRate:   ratio(stats.ValidImages, stats.TotalImages),
		AvgUsage:           stats.AvgUsage,
	}
	for _, d := range daily {
		p.Daily = append(p.Daily, DailyMetric{
			Date:            d.Date,
			Lookups:         d.TotalLookups,
			Hits:            d.CacheHits,
			GenerationCalls: d.GenerationCalls,
			HitRate:         ratio(d.CacheHits, d.TotalLookups),
		})
	}
	for _, u := range top {
		p.TopTopics = append(p.TopTopics, TopTopic{
			Topic:      u.Raw,
			TopicKey:   u.TopicKey,
			Images:     u.Images,
			TotalUsage: u.TotalUsage,
			AvgConf:    u.AvgConf,
		})
	}
	for _, s := range bySrc {
		p.Sources = append(p.Sources, SourcePerformance{
			Source:      s.Source,
			Total:       s.Total,
			Valid:       s.Valid,
			SuccessRate: ratio(s.Valid, s.Total),
		})
	}
	return p, nil
}

const (
	HealthExcellent      = "excellent"
	HealthGood           = "good"
	HealthNeedsAttention = "needs_attention"
)

type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	HealthScore     float64        `json:"health_score"`
	Status          string         `json:"status"`
	Performance     Performance    `json:"performance"`
	Strategies      tracker.Report `json:"strategies"`
	Recommendations []string       `json:"recommendations"`
}

// Report combines 30 days of cache performance with the strategy tracker
// into a single health score and a list of recommendations.
func (m *Maintainer) Report(ctx context.Context) (Report, error) {
	perf, err := m.AnalyzePerformance(ctx, reportWindowDays)
	if err != nil {
		return Report{}, err
	}
	strat, err := m.tracker.Report(ctx, reportWindowDays)
	if err != nil {
		return Report{}, fmt.Errorf("strategy report: %w", err)
	}

	score := Health(perf, strat.OverallSuccess)
	return Report{
		GeneratedAt:     m.now(),
		HealthScore:     score,
		Status:          HealthStatus(score),
		Performance:     perf,
		Strategies:      strat,
		Recommendations: Recommend(perf, strat.OverallSuccess),
	}, nil
}

// Health is the mean of the cache hit rate, the image success rate, the
// prompt success rate and average usage saturated at 10 uses.
func Health(p Performance, promptSuccess float64) float64 {
	usage := min(1, p.AvgUsage/10)
	return (p.HitRate + p.ImageSuccessRate + promptSuccess + usage) / 4
}

func HealthStatus(score float64) string {
	switch {
	case score > 0.8:
		return HealthExcellent
	case score > 0.6:
		return HealthGood
	default:
		return HealthNeedsAttention
	}
}

func Recommend(p Performance, promptSuccess float64) []string {
	var out []string
	if p.HitRate < 0.5 {
		out = append(out, "Low cache hit rate - consider expanding topic similarity matching")
	}
	if p.TotalTopics < 50 {
		out = append(out, "Small cache size - system will improve with more usage")
	}
	if p.GenerationCallRate > 0.3 {
		out = append(out, "High generation call rate - consider improving cache coverage")
	}
	if promptSuccess < 0.7 {
		out = append(out, "Low prompt success rate - consider optimizing prompt strategies")
	}
	if len(out) == 0 {
		out = append(out, "System performing well - no immediate action needed")
	}
	return out
}
