// Package strategy holds the named prompt configurations used to ask the
// generation backend for candidate images.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/engine"
)

// ErrUnknownStrategy is returned by Get for names that are not registered.
var ErrUnknownStrategy = errors.New("unknown strategy")

// Format is the response shape a strategy asks the model for.
type Format int

const (
	// FormatList is a bare JSON array of ids.
	FormatList Format = iota
	// FormatObjects is {"images":[{"id":...,"reason":...}]}.
	FormatObjects
)

func (f Format) String() string {
	if f == FormatObjects {
		return "objects"
	}
	return "list"
}

// Params are the generation settings one strategy runs with.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
	MaxRetries  int
	BaseDelay   time.Duration
}

type Strategy struct {
	Name   string
	System string
	// User may reference {topic} and {context}.
	User   string
	Format Format
	Params Params
}

// Request renders the strategy's prompt for one (topic, context) pair.
func (s Strategy) Request(topic, slideContext string) engine.Request {
	slideContext = strings.TrimSpace(slideContext)
	if slideContext == "" {
		slideContext = "A slide about " + topic
	}
	user := strings.NewReplacer("{topic}", topic, "{context}", slideContext).Replace(s.User)

	temp := s.Params.Temperature
	format := s.Format
	return engine.Request{
		Topic:    topic,
		Context:  slideContext,
		Strategy: s.Name,
		Model:    s.Params.Model,
		Messages: []engine.Message{
			{Role: "system", Content: s.System},
			{Role: "user", Content: user},
		},
		Options: engine.ChatOptions{
			Temperature: &temp,
			MaxTokens:   s.Params.MaxTokens,
			JSON:        format == FormatObjects,
		},
		Parse: func(out string) []string { return ExtractIDs(out, format) },
	}
}

// Registry maps strategy names to strategies. Lookups are safe for
// concurrent use with Register.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	aliases    map[string]string
}

// NewRegistry returns a registry holding the built-in strategies with
// parameters taken from gen and then from per-strategy overrides (keyed by
// name or alias). An override that carries a user prompt defines a new
// strategy; one that names no known strategy and has no prompt is an error,
// so a misspelt catalog entry fails at startup.
func NewRegistry(gen config.GenerationConfig, overrides map[string]config.StrategyParams) (*Registry, error) {
	base := Params{
		Model:       gen.Model,
		MaxTokens:   gen.MaxTokens,
		Temperature: gen.Temperature,
		MaxRetries:  gen.MaxRetries,
		BaseDelay:   500 * time.Millisecond,
	}

	r := &Registry{
		strategies: make(map[string]Strategy),
		aliases:    make(map[string]string),
	}
	for _, s := range builtins() {
		s.Params = base
		r.Register(s)
	}
	for alias, name := range builtinAliases {
		r.aliases[alias] = name
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		o := overrides[name]
		canonical := r.canonical(name)
		s, ok := r.strategies[canonical]
		switch {
		case ok:
		case o.User == "":
			errs = append(errs, fmt.Errorf("%w: %q is not built in and defines no user prompt", ErrUnknownStrategy, name))
			continue
		default:
			s = Strategy{Name: canonical, Params: base}
		}
		if o.User != "" {
			s.System, s.User, s.Format = o.System, o.User, parseFormat(o.Format)
		}
		s.Params = merge(s.Params, o)
		r.strategies[canonical] = s
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func parseFormat(s string) Format {
	if strings.EqualFold(s, "objects") {
		return FormatObjects
	}
	return FormatList
}

func merge(p Params, o config.StrategyParams) Params {
	if o.Model != "" {
		p.Model = o.Model
	}
	if o.MaxTokens > 0 {
		p.MaxTokens = o.MaxTokens
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.MaxRetries > 0 {
		p.MaxRetries = o.MaxRetries
	}
	if o.BaseDelay > 0 {
		p.BaseDelay = time.Duration(o.BaseDelay)
	}
	return p
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name] = s
}

func (r *Registry) canonical(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if c, ok := r.aliases[name]; ok {
		return c
	}
	return name
}

// Get returns the strategy registered under name or one of its aliases.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[r.canonical(name)]
	if !ok {
		return Strategy{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, name)
	}
	return s, nil
}

// Names lists the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
