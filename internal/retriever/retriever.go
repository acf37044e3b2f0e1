// Package retriever asks the generation backend for candidate images and
// keeps only the ones that validate.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/engine"
	"github.com/kalambet/topicimg/internal/metrics"
	"github.com/kalambet/topicimg/internal/retry"
	"github.com/kalambet/topicimg/internal/sources"
	"github.com/kalambet/topicimg/internal/strategy"
	"github.com/kalambet/topicimg/internal/validator"
)

// Proposer returns ranked raw candidate ids or URLs for a rendered request.
type Proposer interface {
	Propose(ctx context.Context, req engine.Request) ([]string, error)
}

// Checker is the slice of the URL validator the retriever needs.
type Checker interface {
	QuickFormatCheck(rawURL string) bool
	ValidateMany(ctx context.Context, urls []string) []validator.Result
}

// Failures that mean the backend answered but nothing usable came back.
var (
	ErrNoCandidates = errors.New("no usable candidates proposed")
	ErrNoneValid    = errors.New("no candidate passed validation")
)

const defaultCallTimeout = 20 * time.Second

type Deps struct {
	Proposer   Proposer
	Validator  Checker
	Strategies *strategy.Registry
	Sources    *sources.Catalog
	// CallTimeout bounds each proposer call.
	CallTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Retriever struct {
	proposer    Proposer
	validator   Checker
	strategies  *strategy.Registry
	sources     *sources.Catalog
	callTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func New(d Deps) *Retriever {
	if d.Sources == nil {
		d.Sources = sources.Default()
	}
	if d.CallTimeout <= 0 {
		d.CallTimeout = defaultCallTimeout
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Retriever{
		proposer:    d.Proposer,
		validator:   d.Validator,
		strategies:  d.Strategies,
		sources:     d.Sources,
		callTimeout: d.CallTimeout,
		metrics:     d.Metrics,
		logger:      d.Logger,
	}
}

// EmptyResult reports whether err means generation ran cleanly and
// produced nothing, as opposed to failing.
func EmptyResult(err error) bool {
	return errors.Is(err, ErrNoCandidates) || errors.Is(err, ErrNoneValid)
}

// Outcome describes one Generate run in enough detail to record a trial.
type Outcome struct {
	Strategy   string
	Candidates []cache.Candidate
	// ProposedIDs are the image ids the backend proposed across all
	// attempts that passed the format check, in proposal order.
	ProposedIDs []string
	Attempts    int
	Latency     time.Duration
	// Err is the last failure when Candidates is empty.
	Err error
}

// Confidence scores the rank-th valid-looking proposal of a zero-based
// attempt. Earlier proposals and earlier attempts score higher.
func Confidence(rank, attempt int) float64 {
	c := 0.9 - 0.1*float64(rank) - 0.2*float64(attempt)
	if c < 0.5 {
		return 0.5
	}
	return c
}

// Generate returns validated candidates for topic under the named strategy,
// trying up to maxRetries times (the strategy's own setting when <= 0). The
// only error is strategy.ErrUnknownStrategy; total failure returns nil, nil.
func (r *Retriever) Generate(ctx context.Context, topic, slideContext, strategyName string, maxRetries int) ([]cache.Candidate, error) {
	out, err := r.GenerateDetailed(ctx, topic, slideContext, strategyName, maxRetries)
	if err != nil {
		return nil, err
	}
	return out.Candidates, nil
}

// GenerateDetailed is Generate with the attempt record attached.
func (r *Retriever) GenerateDetailed(ctx context.Context, topic, slideContext, strategyName string, maxRetries int) (Outcome, error) {
	s, err := r.strategies.Get(strategyName)
	if err != nil {
		return Outcome{}, err
	}
	if maxRetries <= 0 {
		maxRetries = s.Params.MaxRetries
	}

	out := Outcome{Strategy: s.Name}
	req := s.Request(topic, slideContext)
	seen := make(map[string]bool)
	start := time.Now()

	err = retry.Do(ctx, func(ctx context.Context, attempt int) error {
		out.Attempts = attempt + 1
		cands, err := r.attempt(ctx, req, attempt, seen, &out.ProposedIDs)
		r.metrics.ObserveGeneration(s.Name, err == nil)
		if err != nil {
			r.logger.Debug("retriever: attempt failed", "topic", topic, "strategy", s.Name, "attempt", attempt, "error", err)
			if errors.Is(err, engine.ErrModelNotFound) {
				return retry.Permanent(err)
			}
			return err
		}
		out.Candidates = cands
		return nil
	}, maxRetries, s.Params.BaseDelay)
	out.Latency = time.Since(start)

	if err != nil {
		out.Err = err
		out.Candidates = nil
		r.logger.Warn("retriever: no valid candidates",
			"topic", topic, "strategy", s.Name, "attempts", out.Attempts, "error", err)
	}
	return out, nil
}

func (r *Retriever) attempt(ctx context.Context, req engine.Request, attempt int, seen map[string]bool, proposed *[]string) ([]cache.Candidate, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	raw, err := r.proposer.Propose(callCtx, req)
	cancel()
	if err != nil {
		return nil, err
	}

	var refs []sources.Ref
	local := make(map[string]bool)
	for _, id := range raw {
		ref, ok := r.sources.Resolve(id)
		if !ok || local[ref.URL] || !r.validator.QuickFormatCheck(ref.URL) {
			continue
		}
		local[ref.URL] = true
		refs = append(refs, ref)
		if !seen[ref.ImageID] {
			seen[ref.ImageID] = true
			*proposed = append(*proposed, ref.ImageID)
		}
	}
	if len(refs) == 0 {
		return nil, ErrNoCandidates
	}

	urls := make([]string, len(refs))
	for i, ref := range refs {
		urls[i] = ref.URL
	}
	results := r.validator.ValidateMany(ctx, urls)

	var cands []cache.Candidate
	for i, res := range results {
		if !res.Valid {
			continue
		}
		cands = append(cands, cache.Candidate{
			ImageID:    refs[i].ImageID,
			Source:     refs[i].Source,
			URL:        refs[i].URL,
			Confidence: Confidence(i, attempt),
		})
	}
	if len(cands) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w (%d checked)", ErrNoneValid, len(refs))
	}
	return cands, nil
}
