package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/engine"
	"github.com/kalambet/topicimg/internal/maintenance"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/resolver"
	"github.com/kalambet/topicimg/internal/retriever"
	"github.com/kalambet/topicimg/internal/sources"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/strategy"
	"github.com/kalambet/topicimg/internal/topic"
	"github.com/kalambet/topicimg/internal/tracker"
	"github.com/kalambet/topicimg/internal/validator"
)

// app is every long-lived component built from one Config.
type app struct {
	cfg      config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	cacheStore *storage.CacheStore
	trialStore *storage.TrialStore

	sources    *sources.Catalog
	validator  *validator.Validator
	strategies *strategy.Registry
	engine     engine.Engine

	cache      *cache.Cache
	retriever  *retriever.Retriever
	tracker    *tracker.Tracker
	resolver   *resolver.Resolver
	maintainer *maintenance.Maintainer
	logger     *slog.Logger
}

// newApp opens both stores and wires the pipeline. It does not contact the
// generation backend; call ensureEngine for that.
func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	a.registry = metrics.NewRegistry()
	a.metrics = metrics.New(a.registry)

	cat, err := sources.New(cfg.Catalog.Sources)
	if err != nil {
		return nil, fmt.Errorf("building source catalog: %w", err)
	}
	a.sources = cat

	eng, err := engine.New(cfg.Generation)
	if err != nil {
		return nil, fmt.Errorf("building generation engine: %w", err)
	}
	a.engine = eng

	if a.strategies, err = strategy.NewRegistry(cfg.Generation, cfg.Catalog.Strategies); err != nil {
		return nil, fmt.Errorf("building strategies: %w", err)
	}

	if a.cacheStore, err = storage.OpenCacheStore(cfg.Storage.CachePath()); err != nil {
		return nil, fmt.Errorf("opening cache store: %w", err)
	}
	if a.trialStore, err = storage.OpenTrialStore(cfg.Storage.TrialsPath()); err != nil {
		a.cacheStore.Close()
		return nil, fmt.Errorf("opening trial store: %w", err)
	}

	a.validator = validator.New(validator.Options{
		Timeout:       cfg.Validation.Timeout,
		MaxConcurrent: cfg.Validation.MaxConcurrent,
		Catalog:       cat,
		Metrics:       a.metrics,
		Logger:        logger.With("component", "validator"),
	})

	a.cache = cache.New(a.cacheStore, cache.Options{
		MaxImagesPerTopic: cfg.Cache.MaxImagesPerTopic,
		ChunkSize:         cfg.Maintenance.ChunkSize,
		Metrics:           a.metrics,
		Logger:            logger.With("component", "cache"),
	})
	a.retriever = retriever.New(retriever.Deps{
		Proposer:    &engine.ChatProposer{Engine: eng, Model: cfg.Generation.Model},
		Validator:   a.validator,
		Strategies:  a.strategies,
		Sources:     cat,
		CallTimeout: cfg.Generation.Timeout,
		Metrics:     a.metrics,
		Logger:      logger.With("component", "retriever"),
	})
	a.tracker = tracker.New(a.trialStore, a.retriever, tracker.Options{
		Topics: cfg.Catalog.Topics,
		Logger: logger.With("component", "tracker"),
	})
	a.resolver = resolver.New(topic.NewNormalizer(cfg.Cache.MaxTopicKeywords), a.cache, a.retriever, a.tracker, resolver.Options{
		MinConfidence:   cfg.Cache.MinConfidence,
		MinSimilarity:   cfg.Cache.MinSimilarity,
		MaxRetries:      cfg.Generation.MaxRetries,
		Timeout:         cfg.Cache.ResolveTimeout,
		DefaultStrategy: cfg.Generation.DefaultStrategy,
		BestStrategyMin: cfg.Generation.BestStrategyMin,
		Catalog:         cfg.Catalog,
		Sources:         cat,
		Metrics:         a.metrics,
		Logger:          logger.With("component", "resolver"),
	})
	opts := maintenanceOptions(cfg.Maintenance)
	opts.Metrics = a.metrics
	opts.Logger = logger.With("component", "maintenance")
	a.maintainer = maintenance.New(a.cache, a.cacheStore, a.trialStore, a.tracker, opts)
	return a, nil
}

func maintenanceOptions(cfg config.MaintenanceConfig) maintenance.Options {
	return maintenance.Options{
		LowConfidence:        cfg.LowConfidence,
		PruneGraceDays:       cfg.PruneGraceDays,
		TrialRetentionDays:   cfg.TrialRetentionDays,
		MetricsRetentionDays: cfg.MetricsRetentionDays,
		ChunkSize:            cfg.ChunkSize,
	}
}

// ensureEngine checks the generation backend and pulls the default model
// plus any model a strategy overrides it with.
func (a *app) ensureEngine(ctx context.Context, w io.Writer) error {
	models := []string{a.cfg.Generation.Model}
	for _, name := range a.strategies.Names() {
		if s, err := a.strategies.Get(name); err == nil {
			models = append(models, s.Params.Model)
		}
	}
	return engine.EnsureReady(ctx, a.engine, w, models...)
}

func (a *app) Close() error {
	return errors.Join(a.cacheStore.Close(), a.trialStore.Close())
}
