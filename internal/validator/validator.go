// Package validator checks that candidate image URLs are live and serve an
// image, under a process-wide concurrency cap.
package validator

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/sources"
)

const (
	defaultTimeout       = 3 * time.Second
	defaultMaxConcurrent = 10
	userAgent            = "topicimg-validator/1.0"
)

// Result.Err reasons callers may branch on.
const (
	ErrCanceled = "canceled"
	ErrTimeout  = "timeout"
)

var imageTypes = map[string]bool{
	"image/jpeg":    true,
	"image/jpg":     true,
	"image/png":     true,
	"image/gif":     true,
	"image/webp":    true,
	"image/svg+xml": true,
	"image/bmp":     true,
	"image/tiff":    true,
}

// Result is the outcome of one URL check. Failures are reported through
// Valid and Err, never as a Go error.
type Result struct {
	URL         string `json:"url"`
	Valid       bool   `json:"valid"`
	StatusCode  int    `json:"status_code,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	LatencyMs   int64  `json:"latency_ms"`
	Err         string `json:"error,omitempty"`
}

type Options struct {
	Timeout       time.Duration
	MaxConcurrent int
	Client        *http.Client
	Catalog       *sources.Catalog
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Validator is safe for concurrent use. Share one instance per process so
// the concurrency cap is global.
type Validator struct {
	timeout time.Duration
	client  *http.Client
	sem     *semaphore.Weighted
	catalog *sources.Catalog
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(opts Options) *Validator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Catalog == nil {
		opts.Catalog = sources.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Validator{
		timeout: opts.Timeout,
		client:  opts.Client,
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		catalog: opts.Catalog,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}
}

// QuickFormatCheck rejects URLs that cannot be images without touching the
// network.
func (v *Validator) QuickFormatCheck(rawURL string) bool {
	return v.catalog.LooksLikeImage(rawURL)
}

// Validate checks a single URL.
func (v *Validator) Validate(ctx context.Context, rawURL string) Result {
	if err := v.sem.Acquire(ctx, 1); err != nil {
		return Result{URL: rawURL, Err: ErrCanceled}
	}
	defer v.sem.Release(1)
	return v.check(ctx, rawURL)
}

// ValidateMany checks urls and returns results in input order. Duplicates
// are checked once. If ctx is cancelled, URLs not yet started report
// Err "canceled"; checks in flight are aborted.
func (v *Validator) ValidateMany(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}

	index := make(map[string][]int, len(urls))
	var unique []string
	for i, u := range urls {
		if _, seen := index[u]; !seen {
			unique = append(unique, u)
		}
		index[u] = append(index[u], i)
	}

	uniq := make([]Result, len(unique))
	done := make(chan struct{}, len(unique))
	started := 0
	for i, u := range unique {
		if err := v.sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(unique); j++ {
				uniq[j] = Result{URL: unique[j], Err: ErrCanceled}
			}
			break
		}
		started++
		go func(i int, u string) {
			defer func() {
				v.sem.Release(1)
				done <- struct{}{}
			}()
			uniq[i] = v.check(ctx, u)
		}(i, u)
	}
	for range started {
		<-done
	}

	for i, u := range unique {
		for _, pos := range index[u] {
			results[pos] = uniq[i]
		}
	}
	return results
}

func (v *Validator) check(ctx context.Context, rawURL string) (res Result) {
	res.URL = rawURL
	start := time.Now()
	defer func() {
		res.LatencyMs = time.Since(start).Milliseconds()
		v.metrics.ObserveValidation(res.Valid, time.Since(start))
	}()

	if !v.QuickFormatCheck(rawURL) {
		res.Err = "malformed url"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.do(ctx, http.MethodHead, rawURL)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = v.do(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		res.Err = classify(ctx, err)
		v.logger.Debug("url validation failed", "url", rawURL, "error", res.Err)
		return res
	}
	resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.ContentType = resp.Header.Get("Content-Type")
	ok2xx := resp.StatusCode >= 200 && resp.StatusCode < 300
	res.Valid = ok2xx && IsImageContentType(res.ContentType)
	if !res.Valid {
		if !ok2xx {
			res.Err = "status " + http.StatusText(resp.StatusCode)
		} else {
			res.Err = "not an image"
		}
	}
	return res
}

func (v *Validator) do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return v.client.Do(req)
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return ErrCanceled
	default:
		return err.Error()
	}
}

// IsImageContentType reports whether a Content-Type header names one of the
// accepted image formats. Parameters such as charset are ignored.
func IsImageContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(strings.Split(ct, ";")[0]))
	}
	return imageTypes[mt]
}
