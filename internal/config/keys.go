package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "TOPICIMG_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "TOPICIMG_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "TOPICIMG_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "TOPICIMG_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "TOPICIMG_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "cache.ttl_days", typ: kInt, env: "CACHE_TTL_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTLDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.TTLDays },
	},
	{
		key: "cache.max_images_per_topic", typ: kInt, env: "MAX_IMAGES_PER_TOPIC",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxImagesPerTopic = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxImagesPerTopic },
	},
	{
		key: "cache.min_confidence", typ: kFloat, env: "MIN_CONFIDENCE_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Cache.MinConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.MinConfidence },
	},
	{
		key: "cache.min_topic_similarity", typ: kFloat, env: "MIN_TOPIC_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Cache.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.MinSimilarity },
	},
	{
		key: "cache.max_topic_keywords", typ: kInt, env: "MAX_TOPIC_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxTopicKeywords = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxTopicKeywords },
	},
	{
		key: "cache.resolve_timeout", typ: kDuration, env: "RESOLVE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Cache.ResolveTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.ResolveTimeout },
	},
	{
		key: "validation.timeout", typ: kDuration, env: "URL_VALIDATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Validation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Validation.Timeout },
	},
	{
		key: "validation.max_concurrent", typ: kInt, env: "MAX_CONCURRENT_VALIDATIONS",
		apply:   func(cfg *Config, v any) { cfg.Validation.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Validation.MaxConcurrent },
	},
	{
		key: "generation.backend", typ: kString, env: "GENERATION_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Generation.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Backend },
	},
	{
		key: "generation.model", typ: kString, env: "GENERATION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Generation.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.Model },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "generation.max_retries", typ: kInt, env: "MAX_RETRY_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxRetries },
	},
	{
		key: "generation.timeout", typ: kDuration, env: "GENERATION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Generation.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Generation.Timeout },
	},
	{
		key: "generation.ollama_base_url", typ: kString, env: "OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Generation.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OllamaBaseURL },
	},
	{
		key: "generation.openrouter_api_key", typ: kString, env: "OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Generation.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.OpenRouterAPIKey },
	},
	{
		key: "generation.default_strategy", typ: kString, env: "GENERATION_STRATEGY",
		apply:   func(cfg *Config, v any) { cfg.Generation.DefaultStrategy = v.(string) },
		extract: func(cfg Config) any { return cfg.Generation.DefaultStrategy },
	},
	{
		key: "generation.best_strategy_min_trials", typ: kInt, env: "BEST_STRATEGY_MIN_TRIALS",
		apply:   func(cfg *Config, v any) { cfg.Generation.BestStrategyMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.BestStrategyMin },
	},
	{
		key: "maintenance.cleanup_days", typ: kInt, env: "MAINTENANCE_CLEANUP_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.CleanupDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.CleanupDays },
	},
	{
		key: "maintenance.trial_retention_days", typ: kInt, env: "TRIAL_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.TrialRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.TrialRetentionDays },
	},
	{
		key: "maintenance.metrics_retention_days", typ: kInt, env: "METRICS_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.MetricsRetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.MetricsRetentionDays },
	},
	{
		key: "maintenance.low_confidence_threshold", typ: kFloat, env: "LOW_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.LowConfidence = v.(float64) },
		extract: func(cfg Config) any { return cfg.Maintenance.LowConfidence },
	},
	{
		key: "maintenance.prune_grace_days", typ: kInt, env: "PRUNE_GRACE_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.PruneGraceDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.PruneGraceDays },
	},
	{
		key: "maintenance.auto_cleanup", typ: kBool, env: "AUTO_CLEANUP_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.AutoCleanup = v.(bool) },
		extract: func(cfg Config) any { return cfg.Maintenance.AutoCleanup },
	},
	{
		key: "maintenance.interval", typ: kDuration, env: "MAINTENANCE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.Interval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Maintenance.Interval },
	},
	{
		key: "maintenance.chunk_size", typ: kInt, env: "MAINTENANCE_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Maintenance.ChunkSize },
	},
}

// ParseDuration accepts either a Go duration ("3s", "1m30s") or a bare
// number of seconds ("3", "2.5").
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// parseValue converts raw text into the Go type expected by a key's apply func.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kDuration:
		return ParseDuration(raw)
	}
	return nil, fmt.Errorf("unsupported key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable config value", "key", s.key, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
