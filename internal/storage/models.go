package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Topic is the persisted form of a normalized topic.
type Topic struct {
	Key        string
	Raw        string
	Normalized string
	Keywords   []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CacheEntry is one candidate image stored under a topic key.
type CacheEntry struct {
	TopicKey      string
	ImageID       string
	Source        string
	URL           string
	Valid         bool
	Confidence    float64
	UsageCount    int
	CreatedAt     time.Time
	LastValidated time.Time
}

type DailyMetrics struct {
	Date            string // YYYY-MM-DD, UTC
	TotalLookups    int
	CacheHits       int
	GenerationCalls int
}

// CacheStats is a read-only aggregate over the cache store.
type CacheStats struct {
	TotalTopics int
	TotalImages int
	ValidImages int
	AvgUsage    float64
	MaxUsage    int
	Lookups     int
	Hits        int
	Generations int
}

type SourceStats struct {
	Source string
	Total  int
	Valid  int
}

type TopicUsage struct {
	TopicKey   string
	Raw        string
	Images     int
	TotalUsage int
	AvgConf    float64
}

// ExportRow is one (topic, entry) pair from the cache join.
type ExportRow struct {
	Topic           string
	NormalizedTopic string
	TopicKey        string
	ImageID         string
	Source          string
	URL             string
	Valid           bool
	UsageCount      int
	Confidence      float64
	LastValidated   time.Time
}

// Trial is one recorded attempt of a strategy against one topic.
type Trial struct {
	ID           string
	Experiment   string
	Strategy     string
	Topic        string
	Context      string
	CandidateIDs []string
	ValidIDs     []string
	SuccessRate  float64
	LatencyMs    int64
	TestedAt     time.Time
	Error        string
}

const (
	ExperimentRunning   = "running"
	ExperimentCompleted = "completed"
	ExperimentPaused    = "paused"
)

type Experiment struct {
	Name        string
	Description string
	Strategies  []string
	SampleSize  int
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      string
	Winner      string
}

// StrategyAggregate summarizes error-free trials of one strategy.
type StrategyAggregate struct {
	Strategy      string
	Trials        int
	MeanSuccess   float64
	MeanLatencyMs float64
}
