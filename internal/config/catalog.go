package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog holds the structured settings that do not fit the flat key table:
// image sources, category fallbacks, per-strategy generation parameters and
// the evaluation topic pool.
type Catalog struct {
	Sources    []SourceSpec              `yaml:"sources"`
	Fallbacks  map[string]string         `yaml:"fallbacks"`
	Strategies map[string]StrategyParams `yaml:"strategies"`
	Topics     []EvalTopic               `yaml:"topics"`
}

// SourceSpec describes one image host. Template contains the literal "{id}"
// placeholder; Pattern is a regexp whose first capture group is the image id.
type SourceSpec struct {
	Name     string `yaml:"name"`
	Template string `yaml:"template"`
	Pattern  string `yaml:"pattern"`
	Enabled  bool   `yaml:"enabled"`
}

// StrategyParams overrides generation parameters for a single strategy.
// Zero values fall back to the global generation settings.
// StrategyParams tunes a strategy. An entry with a User prompt defines a
// new strategy (or replaces a built-in's prompts); without one it may only
// name a built-in strategy or alias.
type StrategyParams struct {
	Model       string   `yaml:"model"`
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`
	MaxRetries  int      `yaml:"max_retries"`
	BaseDelay   Duration `yaml:"base_delay"`
	System      string   `yaml:"system"`
	// User may reference {topic} and {context}.
	User string `yaml:"user"`
	// Format is "list" (default) or "objects".
	Format string `yaml:"format"`
}

type EvalTopic struct {
	Topic    string `yaml:"topic"`
	Context  string `yaml:"context"`
	Category string `yaml:"category"`
}

// Duration decodes from either a Go duration string or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

const unsplashPrefix = "https://images.unsplash.com/photo-"

// DefaultCatalog returns the built-in sources and fallbacks. Topics is left
// empty so the tracker uses its own default pool.
func DefaultCatalog() Catalog {
	return Catalog{
		Sources: []SourceSpec{
			{
				Name:     "unsplash",
				Template: unsplashPrefix + "{id}",
				Pattern:  `images\.unsplash\.com/photo-([a-zA-Z0-9_-]+)`,
				Enabled:  true,
			},
			{
				Name:     "pexels",
				Template: "https://images.pexels.com/photos/{id}/pexels-photo-{id}.jpeg",
				Pattern:  `images\.pexels\.com/photos/(\d+)/`,
				Enabled:  true,
			},
			{
				Name:     "pixabay",
				Template: "https://cdn.pixabay.com/photo/{id}",
				Pattern:  `cdn\.pixabay\.com/photo/(?:\d{4}/\d{2}/\d{2}/\d{2}/\d{2}/[a-z0-9-]*?-)?(\d+)`,
				Enabled:  false,
			},
		},
		Fallbacks: map[string]string{
			"business":   unsplashPrefix + "1507003211169-0a1dd7228f2d",
			"technology": unsplashPrefix + "1518709268805-4e9042af2176",
			"nature":     unsplashPrefix + "1506905925346-21bda4d32df4",
			"data":       unsplashPrefix + "1551288049-bebda4e38f71",
			"team":       unsplashPrefix + "1522071820081-009f0129c71c",
			"general":    unsplashPrefix + "1557804506-669a67965ba0",
		},
		Strategies: map[string]StrategyParams{},
	}
}

// LoadCatalog reads a YAML catalog from path and merges it over base.
// A missing file is not an error. Sections present in the file replace the
// corresponding base section wholesale, except Fallbacks and Strategies which
// merge per key.
func LoadCatalog(path string, base Catalog) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return base, nil
		}
		return Catalog{}, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	return ParseCatalog(data, base)
}

// ParseCatalog decodes YAML catalog bytes over base.
func ParseCatalog(data []byte, base Catalog) (Catalog, error) {
	var file Catalog
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("%w: parsing catalog: %v", ErrInvalid, err)
	}

	out := base
	if len(file.Sources) > 0 {
		out.Sources = file.Sources
	}
	if len(file.Topics) > 0 {
		out.Topics = file.Topics
	}
	out.Fallbacks = make(map[string]string, len(base.Fallbacks)+len(file.Fallbacks))
	for k, v := range base.Fallbacks {
		out.Fallbacks[k] = v
	}
	for k, v := range file.Fallbacks {
		out.Fallbacks[strings.ToLower(k)] = v
	}
	out.Strategies = make(map[string]StrategyParams, len(base.Strategies)+len(file.Strategies))
	for k, v := range base.Strategies {
		out.Strategies[k] = v
	}
	for k, v := range file.Strategies {
		out.Strategies[k] = v
	}
	return out, nil
}

func (c Catalog) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	enabled := 0
	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.Name == "" {
			bad("source %d has no name", i)
			continue
		}
		if seen[s.Name] {
			bad("duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		if !strings.Contains(s.Template, "{id}") {
			bad("source %q template must contain {id}", s.Name)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			bad("source %q pattern: %v", s.Name, err)
		} else if re.NumSubexp() < 1 {
			bad("source %q pattern needs a capture group for the image id", s.Name)
		}
		if s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		bad("at least one image source must be enabled")
	}
	if c.Fallbacks["general"] == "" {
		bad("fallbacks must define a general image")
	}
	for name, p := range c.Strategies {
		if p.MaxTokens < 0 || p.MaxRetries < 0 || p.BaseDelay < 0 {
			bad("strategy %q has negative parameters", name)
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			bad("strategy %q temperature must be in [0,2]", name)
		}
		switch {
		case p.User == "" && (p.System != "" || p.Format != ""):
			bad("strategy %q sets system or format without a user prompt", name)
		case p.User != "" && !strings.Contains(p.User, "{topic}"):
			bad("strategy %q user prompt must contain {topic}", name)
		}
		if p.Format != "" && p.Format != "list" && p.Format != "objects" {
			bad("strategy %q format must be list or objects, got %q", name, p.Format)
		}
	}
	for i, t := range c.Topics {
		if strings.TrimSpace(t.Topic) == "" {
			bad("evaluation topic %d is empty", i)
		}
	}
	return errors.Join(errs...)
}

// Fallback returns the fallback URL for category, or the general one.
func (c Catalog) Fallback(category string) string {
	if u, ok := c.Fallbacks[category]; ok && u != "" {
		return u
	}
	return c.Fallbacks["general"]
}
