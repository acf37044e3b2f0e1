// Package resolver turns (topic, context) requests into image references,
// trying the cache, similar cached topics and generation in that order and
// falling back to a category image when everything else comes up empty.
package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/sources"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/topic"
)

// Where a result came from.
const (
	SourceCache     = "cache"
	SourceSimilar   = "similar"
	SourceGenerated = "generated"
	SourceFallback  = "fallback"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultStrategyRefresh = 10 * time.Minute
	// looseSimilarityDrop lowers the similarity floor for the last reuse
	// attempt after generation fails.
	looseSimilarityDrop = 0.1
	similarLimit        = 10
)

// Generator proposes and validates fresh candidates for a topic.
type Generator interface {
	Generate(ctx context.Context, topic, slideContext, strategy string, maxRetries int) ([]cache.Candidate, error)
}

// StrategySelector reports the best strategy from recorded trials.
type StrategySelector interface {
	BestStrategy(ctx context.Context, minTrials int) (string, bool, error)
}

type Options struct {
	MinConfidence   float64
	MinSimilarity   float64
	MaxRetries      int
	Timeout         time.Duration
	DefaultStrategy string
	// BestStrategyMin is the trial count a strategy needs before the
	// selector's choice replaces DefaultStrategy.
	BestStrategyMin int
	StrategyRefresh time.Duration
	Catalog         config.Catalog
	Sources         *sources.Catalog
	Clock           func() time.Time
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Resolver struct {
	normalizer *topic.Normalizer
	cache      *cache.Cache
	gen        Generator
	selector   StrategySelector
	opts       Options

	mu          sync.Mutex
	strategy    string
	refreshedAt time.Time
}

// New wires a resolver. selector may be nil, in which case DefaultStrategy
// is always used.
func New(n *topic.Normalizer, c *cache.Cache, gen Generator, selector StrategySelector, opts Options) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.DefaultStrategy == "" {
		opts.DefaultStrategy = "default"
	}
	if opts.StrategyRefresh <= 0 {
		opts.StrategyRefresh = defaultStrategyRefresh
	}
	if len(opts.Catalog.Fallbacks) == 0 {
		opts.Catalog.Fallbacks = config.DefaultCatalog().Fallbacks
	}
	if opts.Sources == nil {
		opts.Sources = sources.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Resolver{
		normalizer: n,
		cache:      c,
		gen:        gen,
		selector:   selector,
		opts:       opts,
		strategy:   opts.DefaultStrategy,
	}
}

// ImageRef is one image served to the caller.
type ImageRef struct {
	ImageID    string  `json:"image_id,omitempty"`
	Source     string  `json:"source,omitempty"`
	URL        string  `json:"url"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	RequestID string     `json:"request_id"`
	Topic     string     `json:"topic"`
	TopicKey  string     `json:"topic_key"`
	Source    string     `json:"source"`
	Strategy  string     `json:"strategy,omitempty"`
	Similar   string     `json:"similar_topic,omitempty"`
	Category  string     `json:"category,omitempty"`
	Fallback  bool       `json:"fallback"`
	Images    []ImageRef `json:"images"`
}

// Resolve returns at least one image for the topic. Generation failures end
// in a category fallback; only storage failures are returned as errors.
// The whole call runs under the configured parent deadline.
func (r *Resolver) Resolve(ctx context.Context, rawTopic, slideContext string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	slideContext = topic.PlainText(slideContext)
	n := r.normalizer.Normalize(rawTopic)
	res := Result{
		RequestID: requestID(ctx),
		Topic:     rawTopic,
		TopicKey:  n.Key,
	}
	log := r.opts.Logger.With("request_id", res.RequestID, "topic_key", n.Key)

	hits, err := r.cache.Lookup(ctx, n.Key, r.opts.MinConfidence)
	if err != nil {
		return Result{}, err
	}
	if len(hits) > 0 {
		if err := r.touch(ctx, hits); err != nil {
			return Result{}, err
		}
		log.Debug("resolve: cache hit", "images", len(hits))
		return r.finish(res, SourceCache, fromEntries(hits)), nil
	}

	if sim, ok, err := r.similar(ctx, n, r.opts.MinSimilarity); err != nil {
		return Result{}, err
	} else if ok {
		log.Debug("resolve: similar topic reused", "similar", sim.Topic.Raw, "similarity", sim.Similarity)
		res.Similar = sim.Topic.Raw
		return r.finish(res, SourceSimilar, fromEntries(sim.Entries)), nil
	}

	if err := r.cache.RecordGenerationCall(ctx); err != nil {
		return Result{}, fmt.Errorf("recording generation call: %w", err)
	}
	strategy := r.currentStrategy(ctx)
	res.Strategy = strategy
	cands, err := r.gen.Generate(ctx, rawTopic, slideContext, strategy, r.opts.MaxRetries)
	if err != nil {
		log.Warn("resolve: generation failed", "strategy", strategy, "error", err)
	}
	if len(cands) > 0 {
		if _, err := r.cache.Store(ctx, n, cands); err != nil {
			if ctx.Err() == nil {
				return Result{}, err
			}
			log.Warn("resolve: deadline hit before storing candidates", "error", err)
		}
		kept := best(cands, r.cache.MaxImagesPerTopic())
		return r.finish(res, SourceGenerated, fromCandidates(kept)), nil
	}

	if ctx.Err() == nil {
		loose := max(0, r.opts.MinSimilarity-looseSimilarityDrop)
		sim, ok, err := r.similar(ctx, n, loose)
		if err != nil && ctx.Err() == nil {
			return Result{}, err
		}
		if ok {
			log.Info("resolve: loosely similar topic reused after generation failure", "similar", sim.Topic.Raw, "similarity", sim.Similarity)
			res.Similar = sim.Topic.Raw
			return r.finish(res, SourceSimilar, fromEntries(sim.Entries)), nil
		}
	}

	res.Category = topic.Category(rawTopic, slideContext)
	res.Fallback = true
	log.Info("resolve: serving category fallback", "category", res.Category)
	return r.finish(res, SourceFallback, []ImageRef{r.fallbackRef(res.Category)}), nil
}

// requestID reuses the id the HTTP layer assigned so server logs and client
// errors agree; direct callers get a fresh one.
func requestID(ctx context.Context) string {
	if id := middleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// best returns at most limit candidates, highest confidence first, so a
// generated result never exceeds the per-topic cap.
func best(cands []cache.Candidate, limit int) []cache.Candidate {
	out := slices.Clone(cands)
	slices.SortStableFunc(out, func(a, b cache.Candidate) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *Resolver) finish(res Result, source string, images []ImageRef) Result {
	res.Source = source
	res.Images = images
	r.opts.Metrics.ObserveResolve(source)
	return res
}

// similar returns the best similar topic above minSim and touches the
// entries it serves.
func (r *Resolver) similar(ctx context.Context, n topic.Normalized, minSim float64) (cache.SimilarTopic, bool, error) {
	found, err := r.cache.FindSimilar(ctx, n, minSim, similarLimit)
	if err != nil || len(found) == 0 {
		return cache.SimilarTopic{}, false, err
	}
	best := found[0]
	if err := r.touch(ctx, best.Entries); err != nil {
		return cache.SimilarTopic{}, false, err
	}
	return best, true, nil
}

// touch counts one use of every served entry. An entry evicted between the
// read and the touch is skipped.
func (r *Resolver) touch(ctx context.Context, entries []cache.Entry) error {
	for _, e := range entries {
		err := r.cache.Touch(ctx, e.TopicKey, e.ImageID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("touching %s/%s: %w", e.TopicKey, e.ImageID, err)
		}
	}
	return nil
}

// currentStrategy returns the tracker's best strategy, refreshed at most
// once per StrategyRefresh. Selector failures keep the previous choice.
func (r *Resolver) currentStrategy(ctx context.Context) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.selector == nil {
		return r.strategy
	}
	now := r.opts.Clock()
	if !r.refreshedAt.IsZero() && now.Sub(r.refreshedAt) < r.opts.StrategyRefresh {
		return r.strategy
	}
	r.refreshedAt = now

	best, ok, err := r.selector.BestStrategy(ctx, r.opts.BestStrategyMin)
	switch {
	case err != nil:
		r.opts.Logger.Warn("resolve: best strategy lookup failed", "error", err)
	case ok:
		if best != r.strategy {
			r.opts.Logger.Info("resolve: switching strategy", "from", r.strategy, "to", best)
		}
		r.strategy = best
	default:
		r.strategy = r.opts.DefaultStrategy
	}
	return r.strategy
}

func (r *Resolver) fallbackRef(category string) ImageRef {
	u := r.opts.Catalog.Fallback(category)
	ref := ImageRef{URL: u}
	if id, ok := r.opts.Sources.Identify(u); ok {
		ref.ImageID = id.ImageID
		ref.Source = string(id.Source)
	}
	return ref
}

func fromEntries(entries []cache.Entry) []ImageRef {
	out := make([]ImageRef, len(entries))
	for i, e := range entries {
		out[i] = ImageRef{ImageID: e.ImageID, Source: e.Source, URL: e.URL, Confidence: e.Confidence}
	}
	return out
}

func fromCandidates(cands []cache.Candidate) []ImageRef {
	out := make([]ImageRef, len(cands))
	for i, c := range cands {
		out[i] = ImageRef{ImageID: c.ImageID, Source: string(c.Source), URL: c.URL, Confidence: c.Confidence}
	}
	return out
}
