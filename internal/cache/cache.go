// Package cache is the topic image cache: a bounded set of validated images
// per topic key with confidence, usage and daily lookup counters.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/sources"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/topic"
	"github.com/kalambet/topicimg/internal/validator"
)

// Entry is one cached image under a topic key.
type Entry = storage.CacheEntry

// Candidate is a validated image ready to be stored.
type Candidate struct {
	ImageID    string         `json:"image_id"`
	Source     sources.Source `json:"source"`
	URL        string         `json:"url"`
	Confidence float64        `json:"confidence"`
}

const (
	defaultMaxImages = 3
	defaultChunkSize = 500
	statsWindowDays  = 7
)

type Options struct {
	MaxImagesPerTopic int
	ChunkSize         int
	Clock             func() time.Time
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

type Cache struct {
	store   *storage.CacheStore
	limit   int
	chunk   int
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(store *storage.CacheStore, opts Options) *Cache {
	if opts.MaxImagesPerTopic < 1 {
		opts.MaxImagesPerTopic = defaultMaxImages
	}
	if opts.ChunkSize < 1 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		store:   store,
		limit:   opts.MaxImagesPerTopic,
		chunk:   opts.ChunkSize,
		now:     func() time.Time { return opts.Clock().UTC() },
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// MaxImagesPerTopic is the per-topic entry cap.
func (c *Cache) MaxImagesPerTopic() int { return c.limit }

// Lookup returns up to the cap of valid entries with confidence >= minConf,
// best first. Every call counts one lookup for today, and a non-empty result
// also counts a hit; both happen in the read's transaction.
func (c *Cache) Lookup(ctx context.Context, topicKey string, minConf float64) ([]Entry, error) {
	entries, err := c.store.LookupAndCount(ctx, topicKey, minConf, c.limit, storage.Day(c.now()))
	if err != nil {
		return nil, fmt.Errorf("cache lookup %s: %w", topicKey, err)
	}
	c.metrics.ObserveLookup(len(entries) > 0)
	return entries, nil
}

// Store upserts the topic and its candidates, then evicts the lowest ranked
// entries until the topic is back under the cap. It returns how many
// entries were evicted.
func (c *Cache) Store(ctx context.Context, n topic.Normalized, candidates []Candidate) (int, error) {
	now := c.now()
	entries := make([]Entry, 0, len(candidates))
	for _, cand := range candidates {
		entries = append(entries, Entry{
			TopicKey:      n.Key,
			ImageID:       cand.ImageID,
			Source:        string(cand.Source),
			URL:           cand.URL,
			Valid:         true,
			Confidence:    clamp(cand.Confidence),
			LastValidated: now,
		})
	}

	t := storage.Topic{Key: n.Key, Raw: n.Raw, Normalized: n.Text, Keywords: n.Keywords, UpdatedAt: now}
	evicted, err := c.store.StoreEntries(ctx, t, entries, func(all []Entry) []Entry {
		return PlanEvictions(all, c.limit)
	})
	if err != nil {
		return 0, fmt.Errorf("cache store %s: %w", n.Key, err)
	}
	c.metrics.AddEvictions(evicted)
	c.logger.Debug("cache: stored candidates", "topic_key", n.Key, "stored", len(entries), "evicted", evicted)
	return evicted, nil
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Touch records that an entry was served: usage_count++ and last_validated
// = now. Returns storage.ErrNotFound if the entry is gone.
func (c *Cache) Touch(ctx context.Context, topicKey, imageID string) error {
	return c.store.Touch(ctx, topicKey, imageID, c.now())
}

// CleanupExpired deletes never-used entries last validated more than days
// ago. Used entries are left for confidence-based pruning.
func (c *Cache) CleanupExpired(ctx context.Context, days int) (int, error) {
	cutoff := c.now().AddDate(0, 0, -days)
	n, err := c.store.DeleteExpired(ctx, cutoff, c.chunk)
	if err != nil {
		return int(n), fmt.Errorf("expiring entries: %w", err)
	}
	return int(n), nil
}

// RecordGenerationCall bumps today's generation counter.
func (c *Cache) RecordGenerationCall(ctx context.Context) error {
	return c.store.IncrementGenerationCalls(ctx, storage.Day(c.now()))
}

type Stats struct {
	TotalTopics           int     `json:"total_topics"`
	TotalImages           int     `json:"total_images"`
	ValidImages           int     `json:"valid_images"`
	AvgUsage              float64 `json:"avg_usage"`
	MaxUsage              int     `json:"max_usage"`
	WeeklyLookups         int     `json:"weekly_lookups"`
	WeeklyHits            int     `json:"weekly_hits"`
	WeeklyHitRate         float64 `json:"weekly_hit_rate"`
	WeeklyGenerationCalls int     `json:"weekly_generation_calls"`
}

// Stats returns a read-only snapshot. Weekly figures cover today and the six
// days before it.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	since := storage.Day(c.now().AddDate(0, 0, -(statsWindowDays - 1)))
	st, err := c.store.Stats(ctx, since)
	if err != nil {
		return Stats{}, fmt.Errorf("cache stats: %w", err)
	}
	out := Stats{
		TotalTopics:           st.TotalTopics,
		TotalImages:           st.TotalImages,
		ValidImages:           st.ValidImages,
		AvgUsage:              st.AvgUsage,
		MaxUsage:              st.MaxUsage,
		WeeklyLookups:         st.Lookups,
		WeeklyHits:            st.Hits,
		WeeklyGenerationCalls: st.Generations,
	}
	if st.Lookups > 0 {
		out.WeeklyHitRate = float64(st.Hits) / float64(st.Lookups)
	}
	return out, nil
}

// SimilarTopic is a cached topic whose keywords overlap the query's.
type SimilarTopic struct {
	Topic      storage.Topic
	Similarity float64
	Entries    []Entry
}

// similarScanFactor widens the keyword-overlap query so that ranking by
// similarity has enough rows to choose from.
const similarScanFactor = 10

// FindSimilar returns up to limit other cached topics with Jaccard
// similarity >= minSim that still hold valid entries, most similar first.
func (c *Cache) FindSimilar(ctx context.Context, n topic.Normalized, minSim float64, limit int) ([]SimilarTopic, error) {
	if n.IsGeneral() || limit < 1 {
		return nil, nil
	}
	topics, err := c.store.TopicsSharingKeywords(ctx, n.Keywords, n.Key, limit*similarScanFactor)
	if err != nil {
		return nil, fmt.Errorf("finding similar topics: %w", err)
	}

	var out []SimilarTopic
	for _, t := range topics {
		sim := topic.Similarity(n.Keywords, t.Keywords)
		if sim < minSim {
			continue
		}
		out = append(out, SimilarTopic{Topic: t, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Topic.Key < out[j].Topic.Key
	})

	kept := out[:0]
	for _, s := range out {
		if len(kept) == limit {
			break
		}
		entries, err := c.store.Entries(ctx, s.Topic.Key, 0, c.limit)
		if err != nil {
			return nil, fmt.Errorf("reading entries of %s: %w", s.Topic.Key, err)
		}
		if len(entries) == 0 {
			continue
		}
		s.Entries = entries
		kept = append(kept, s)
	}
	return kept, nil
}

// Checker validates URLs in bulk. *validator.Validator satisfies it.
type Checker interface {
	ValidateMany(ctx context.Context, urls []string) []validator.Result
}

// Revalidate re-checks the batch entries validated longest ago and records
// the outcome. This is the only path by which an entry becomes invalid.
// Checks cut short by cancellation leave the entry untouched.
func (c *Cache) Revalidate(ctx context.Context, v Checker, batch int) (checked, invalidated int, err error) {
	entries, err := c.store.StalestEntries(ctx, batch)
	if err != nil {
		return 0, 0, fmt.Errorf("reading stale entries: %w", err)
	}
	if len(entries) == 0 {
		return 0, 0, nil
	}

	urls := make([]string, len(entries))
	for i, e := range entries {
		urls[i] = e.URL
	}
	results := v.ValidateMany(ctx, urls)

	now := c.now()
	for i, e := range entries {
		r := results[i]
		if r.Err == validator.ErrCanceled {
			continue
		}
		if err := c.store.SetValidity(ctx, e.TopicKey, e.ImageID, r.Valid, now); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return checked, invalidated, fmt.Errorf("recording validity of %s: %w", e.ImageID, err)
		}
		checked++
		if e.Valid && !r.Valid {
			invalidated++
			c.logger.Info("cache: entry invalidated", "topic_key", e.TopicKey, "image_id", e.ImageID, "reason", r.Err)
		}
	}
	return checked, invalidated, nil
}
