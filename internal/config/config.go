package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrInvalid is wrapped by every validation failure returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Cache       CacheConfig
	Validation  ValidationConfig
	Generation  GenerationConfig
	Maintenance MaintenanceConfig
	Catalog     Catalog
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

// CachePath is the SQLite file holding topics, entries and daily metrics.
func (s StorageConfig) CachePath() string {
	if s.DataDir == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(s.DataDir, "topic_images.db")
}

// TrialsPath is the SQLite file holding strategy trials and experiments.
func (s StorageConfig) TrialsPath() string {
	if s.DataDir == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(s.DataDir, "strategy_trials.db")
}

type LogConfig struct {
	Level  string
	Format string
}

type CacheConfig struct {
	TTLDays           int
	MaxImagesPerTopic int
	MinConfidence     float64
	MinSimilarity     float64
	MaxTopicKeywords  int
	ResolveTimeout    time.Duration
}

type ValidationConfig struct {
	Timeout       time.Duration
	MaxConcurrent int
}

type GenerationConfig struct {
	Backend          string // "ollama" or "openrouter"
	Model            string
	MaxTokens        int
	Temperature      float64
	MaxRetries       int
	Timeout          time.Duration
	OllamaBaseURL    string
	OpenRouterAPIKey string
	DefaultStrategy  string
	BestStrategyMin  int
}

type MaintenanceConfig struct {
	CleanupDays        int
	TrialRetentionDays int
	// MetricsRetentionDays bounds daily_metrics history; 0 keeps it forever.
	MetricsRetentionDays int
	LowConfidence        float64
	PruneGraceDays       int
	AutoCleanup          bool
	Interval             time.Duration
	ChunkSize            int
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			TTLDays:           7,
			MaxImagesPerTopic: 3,
			MinConfidence:     0.7,
			MinSimilarity:     0.6,
			MaxTopicKeywords:  5,
			ResolveTimeout:    30 * time.Second,
		},
		Validation: ValidationConfig{
			Timeout:       3 * time.Second,
			MaxConcurrent: 10,
		},
		Generation: GenerationConfig{
			Backend:         "ollama",
			Model:           "llama3.1",
			MaxTokens:       500,
			Temperature:     0.3,
			MaxRetries:      3,
			Timeout:         20 * time.Second,
			OllamaBaseURL:   "http://localhost:11434",
			DefaultStrategy: "default",
			BestStrategyMin: 10,
		},
		Maintenance: MaintenanceConfig{
			CleanupDays:          30,
			TrialRetentionDays:   90,
			MetricsRetentionDays: 365,
			LowConfidence:        0.3,
			PruneGraceDays:       7,
			Interval:             24 * time.Hour,
			ChunkSize:            500,
		},
		Catalog: DefaultCatalog(),
	}
}

// Load reads configuration from the JSON file backend and the optional YAML
// catalog, then applies environment overrides and validates the result.
//
// The backend lives at $XDG_CONFIG_HOME/topicimg/config.json; the catalog at
// $XDG_CONFIG_HOME/topicimg/catalog.yaml. Both are optional.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), catalogFilePath())
}

func loadWith(b ConfigBackend, catalogPath string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if catalogPath != "" {
		cat, err := LoadCatalog(catalogPath, cfg.Catalog)
		if err != nil {
			return Config{}, err
		}
		cfg.Catalog = cat
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would only fail at first use.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if c.Validation.Timeout <= 0 {
		bad("url validation timeout must be positive, got %s", c.Validation.Timeout)
	}
	if c.Validation.MaxConcurrent < 1 {
		bad("max concurrent validations must be >= 1, got %d", c.Validation.MaxConcurrent)
	}
	if c.Cache.TTLDays < 1 {
		bad("cache ttl days must be >= 1, got %d", c.Cache.TTLDays)
	}
	if c.Cache.MaxImagesPerTopic < 1 {
		bad("max images per topic must be >= 1, got %d", c.Cache.MaxImagesPerTopic)
	}
	if c.Cache.MaxTopicKeywords < 1 {
		bad("max topic keywords must be >= 1, got %d", c.Cache.MaxTopicKeywords)
	}
	if !unit(c.Cache.MinConfidence) {
		bad("min confidence must be in [0,1], got %g", c.Cache.MinConfidence)
	}
	if !unit(c.Cache.MinSimilarity) {
		bad("min topic similarity must be in [0,1], got %g", c.Cache.MinSimilarity)
	}
	if c.Cache.ResolveTimeout <= 0 {
		bad("resolve timeout must be positive, got %s", c.Cache.ResolveTimeout)
	}
	if c.Generation.MaxRetries < 1 {
		bad("max retry attempts must be >= 1, got %d", c.Generation.MaxRetries)
	}
	if c.Generation.Timeout <= 0 {
		bad("generation timeout must be positive, got %s", c.Generation.Timeout)
	}
	if c.Generation.MaxTokens < 1 {
		bad("generation max tokens must be >= 1, got %d", c.Generation.MaxTokens)
	}
	if c.Generation.Temperature < 0 || c.Generation.Temperature > 2 {
		bad("generation temperature must be in [0,2], got %g", c.Generation.Temperature)
	}
	switch strings.ToLower(c.Generation.Backend) {
	case "ollama":
	case "openrouter":
		if c.Generation.OpenRouterAPIKey == "" {
			bad("openrouter backend requires OPENROUTER_API_KEY")
		}
	default:
		bad("unknown generation backend %q", c.Generation.Backend)
	}
	if !unit(c.Maintenance.LowConfidence) {
		bad("low confidence threshold must be in [0,1], got %g", c.Maintenance.LowConfidence)
	}
	if c.Maintenance.MetricsRetentionDays < 0 {
		bad("metrics retention days must be >= 0, got %d", c.Maintenance.MetricsRetentionDays)
	}
	if c.Maintenance.ChunkSize < 1 {
		bad("maintenance chunk size must be >= 1, got %d", c.Maintenance.ChunkSize)
	}
	if c.Maintenance.AutoCleanup && c.Maintenance.Interval <= 0 {
		bad("maintenance interval must be positive when auto cleanup is enabled")
	}
	if err := c.Catalog.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func unit(f float64) bool {
	return f >= 0 && f <= 1
}
