// Package sources knows the image hosts candidates may come from: how to
// build a URL from an image id and how to recover the id from a URL.
package sources

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/kalambet/topicimg/internal/config"
)

// Source names an image host. The persisted value is the host's catalog name.
type Source string

const (
	Unsplash Source = "unsplash"
	Pexels   Source = "pexels"
	Pixabay  Source = "pixabay"
)

// ErrUnknownSource is returned when a source name is not in the catalog.
var ErrUnknownSource = errors.New("unknown image source")

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Ref is a resolved candidate: an id on a concrete source and its URL.
type Ref struct {
	ImageID string
	Source  Source
	URL     string
}

type entry struct {
	name     Source
	template string
	pattern  *regexp.Regexp
	enabled  bool
}

// Catalog is an ordered, read-only set of image sources.
type Catalog struct {
	entries []entry
}

// New compiles the configured sources. Order is preserved; the first enabled
// source is the primary one used for bare ids.
func New(specs []config.SourceSpec) (*Catalog, error) {
	c := &Catalog{}
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("source %s: pattern has no capture group", s.Name)
		}
		c.entries = append(c.entries, entry{
			name:     Source(s.Name),
			template: s.Template,
			pattern:  re,
			enabled:  s.Enabled,
		})
	}
	return c, nil
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := New(config.DefaultCatalog().Sources)
	if err != nil {
		panic(err)
	}
	return c
}

// Enabled lists enabled sources in catalog order.
func (c *Catalog) Enabled() []Source {
	var out []Source
	for _, e := range c.entries {
		if e.enabled {
			out = append(out, e.name)
		}
	}
	return out
}

// Primary returns the first enabled source, or "" if none is enabled.
func (c *Catalog) Primary() Source {
	for _, e := range c.entries {
		if e.enabled {
			return e.name
		}
	}
	return ""
}

// URL builds the image URL for id on source.
func (c *Catalog) URL(source Source, id string) (string, error) {
	for _, e := range c.entries {
		if e.name == source {
			return strings.ReplaceAll(e.template, "{id}", id), nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSource, source)
}

// Identify matches rawURL against every source pattern, enabled or not.
func (c *Catalog) Identify(rawURL string) (Ref, bool) {
	for _, e := range c.entries {
		if m := e.pattern.FindStringSubmatch(rawURL); m != nil && m[1] != "" {
			return Ref{ImageID: m[1], Source: e.name, URL: rawURL}, true
		}
	}
	return Ref{}, false
}

// Resolve turns a proposed identifier into a Ref on an enabled source.
// Full URLs must match an enabled source's pattern; bare ids (with or
// without a "photo-" prefix) are placed on the primary source.
func (c *Catalog) Resolve(raw string) (Ref, bool) {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	if raw == "" {
		return Ref{}, false
	}

	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		ref, ok := c.Identify(raw)
		if !ok || !c.enabled(ref.Source) {
			return Ref{}, false
		}
		return ref, true
	}

	id := strings.TrimPrefix(raw, "photo-")
	if !idPattern.MatchString(id) {
		return Ref{}, false
	}
	primary := c.Primary()
	if primary == "" {
		return Ref{}, false
	}
	u, err := c.URL(primary, id)
	if err != nil {
		return Ref{}, false
	}
	return Ref{ImageID: id, Source: primary, URL: u}, true
}

func (c *Catalog) enabled(s Source) bool {
	for _, e := range c.entries {
		if e.name == s {
			return e.enabled
		}
	}
	return false
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg", ".bmp", ".tif", ".tiff"}

// LooksLikeImage is the cheap pre-network check: the URL parses with an
// http(s) scheme and a host, and either matches a known source pattern or
// ends in an image extension.
func (c *Catalog) LooksLikeImage(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if _, ok := c.Identify(rawURL); ok {
		return true
	}
	p := strings.ToLower(u.Path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(p, ext) {
			return true
		}
	}
	return false
}
