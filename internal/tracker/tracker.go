// Package tracker runs A/B experiments between generation strategies and
// keeps the trial log used to pick the live default strategy.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/topicimg/internal/config"
	"github.com/kalambet/topicimg/internal/retriever"
	"github.com/kalambet/topicimg/internal/storage"
)

// ErrInvalidExperiment is wrapped by RunABTest argument errors.
var ErrInvalidExperiment = errors.New("invalid experiment")

// BestStrategyWindow is how far back BestStrategy looks.
const BestStrategyWindow = 30 * 24 * time.Hour

// Generator runs one generation with a forced strategy.
// *retriever.Retriever satisfies it.
type Generator interface {
	GenerateDetailed(ctx context.Context, topic, slideContext, strategy string, maxRetries int) (retriever.Outcome, error)
}

type Options struct {
	// Topics is the evaluation pool; DefaultTopics when empty.
	Topics []config.EvalTopic
	Rand   *rand.Rand
	Clock  func() time.Time
	// Delay pauses between consecutive trials of one strategy.
	Delay time.Duration
	// Parallel is how many strategies run at once.
	Parallel int
	Logger   *slog.Logger
}

type Tracker struct {
	store    *storage.TrialStore
	gen      Generator
	topics   []config.EvalTopic
	rng      *rand.Rand
	now      func() time.Time
	delay    time.Duration
	parallel int
	logger   *slog.Logger
}

func New(store *storage.TrialStore, gen Generator, opts Options) *Tracker {
	if len(opts.Topics) == 0 {
		opts.Topics = DefaultTopics
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Parallel < 1 {
		opts.Parallel = 2
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Tracker{
		store:    store,
		gen:      gen,
		topics:   opts.Topics,
		rng:      opts.Rand,
		now:      func() time.Time { return opts.Clock().UTC() },
		delay:    opts.Delay,
		parallel: opts.Parallel,
		logger:   opts.Logger,
	}
}

// Topics returns the evaluation pool.
func (t *Tracker) Topics() []config.EvalTopic { return t.topics }

type Result struct {
	Experiment string             `json:"experiment"`
	Status     string             `json:"status"`
	Summaries  map[string]Summary `json:"summaries"`
	Winner     string             `json:"winner,omitempty"`
}

// RunABTest records an experiment, runs every strategy against its own
// sample of min(sampleSize, pool) topics drawn without replacement, writes
// one trial per (strategy, topic) and closes the experiment with the
// strategy of highest mean success as winner. Ties go to the strategy
// listed first. If ctx ends early the experiment is left paused and the
// partial result is returned with ctx's error.
func (t *Tracker) RunABTest(ctx context.Context, name string, strategies []string, sampleSize int) (Result, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, fmt.Errorf("%w: name is required", ErrInvalidExperiment)
	}
	strategies = dedupe(strategies)
	if len(strategies) == 0 {
		return Result{}, fmt.Errorf("%w: at least one strategy is required", ErrInvalidExperiment)
	}
	if sampleSize < 1 {
		return Result{}, fmt.Errorf("%w: sample size must be >= 1, got %d", ErrInvalidExperiment, sampleSize)
	}

	err := t.store.CreateExperiment(ctx, storage.Experiment{
		Name:        name,
		Description: fmt.Sprintf("A/B test of %s", strings.Join(strategies, ", ")),
		Strategies:  strategies,
		SampleSize:  sampleSize,
		StartedAt:   t.now(),
		Status:      storage.ExperimentRunning,
	})
	if err != nil {
		return Result{}, fmt.Errorf("creating experiment %s: %w", name, err)
	}
	t.logger.Info("tracker: experiment started", "experiment", name, "strategies", strategies, "sample_size", sampleSize)

	samples := make([][]config.EvalTopic, len(strategies))
	for i := range strategies {
		samples[i] = t.sample(sampleSize)
	}

	trials := make([][]storage.Trial, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for i, s := range strategies {
		g.Go(func() error {
			var err error
			trials[i], err = t.runStrategy(gctx, name, s, samples[i])
			return err
		})
	}
	runErr := g.Wait()

	res := Result{Experiment: name, Summaries: make(map[string]Summary, len(strategies))}
	for i, s := range strategies {
		res.Summaries[s] = Summarize(s, trials[i])
	}

	// Close out even when ctx is already done.
	closeCtx := context.WithoutCancel(ctx)
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		res.Status = storage.ExperimentPaused
		if err := t.store.FinishExperiment(closeCtx, name, res.Status, "", t.now()); err != nil {
			t.logger.Error("tracker: pausing experiment", "experiment", name, "error", err)
		}
		t.logger.Warn("tracker: experiment paused", "experiment", name, "error", runErr)
		return res, runErr
	}

	res.Status = storage.ExperimentCompleted
	res.Winner = pickWinner(strategies, res.Summaries)
	if err := t.store.FinishExperiment(closeCtx, name, res.Status, res.Winner, t.now()); err != nil {
		return res, fmt.Errorf("closing experiment %s: %w", name, err)
	}
	t.logger.Info("tracker: experiment completed", "experiment", name, "winner", res.Winner)
	return res, nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func (t *Tracker) sample(n int) []config.EvalTopic {
	if n > len(t.topics) {
		n = len(t.topics)
	}
	out := make([]config.EvalTopic, n)
	for i, idx := range t.rng.Perm(len(t.topics))[:n] {
		out[i] = t.topics[idx]
	}
	return out
}

func (t *Tracker) runStrategy(ctx context.Context, experiment, strategy string, topics []config.EvalTopic) ([]storage.Trial, error) {
	trials := make([]storage.Trial, 0, len(topics))
	for i, tp := range topics {
		if i > 0 && t.delay > 0 {
			select {
			case <-ctx.Done():
				return trials, ctx.Err()
			case <-time.After(t.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return trials, err
		}

		trial, err := t.runTrial(ctx, experiment, strategy, tp)
		if err != nil {
			return trials, err
		}
		if err := t.store.SaveTrial(ctx, trial); err != nil {
			return trials, fmt.Errorf("saving trial: %w", err)
		}
		trials = append(trials, trial)
	}
	return trials, nil
}

func (t *Tracker) runTrial(ctx context.Context, experiment, strategy string, tp config.EvalTopic) (storage.Trial, error) {
	out, err := t.gen.GenerateDetailed(ctx, tp.Topic, tp.Context, strategy, 1)
	if err != nil {
		return storage.Trial{}, fmt.Errorf("strategy %s: %w", strategy, err)
	}
	if ctx.Err() != nil {
		// A trial cut short by cancellation says nothing about the strategy.
		return storage.Trial{}, ctx.Err()
	}

	now := t.now()
	trial := storage.Trial{
		ID:           ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Experiment:   experiment,
		Strategy:     strategy,
		Topic:        tp.Topic,
		Context:      tp.Context,
		CandidateIDs: out.ProposedIDs,
		LatencyMs:    out.Latency.Milliseconds(),
		TestedAt:     now,
	}
	for _, c := range out.Candidates {
		trial.ValidIDs = append(trial.ValidIDs, c.ImageID)
	}
	if len(trial.CandidateIDs) > 0 {
		trial.SuccessRate = float64(len(trial.ValidIDs)) / float64(len(trial.CandidateIDs))
	}
	if out.Err != nil && !retriever.EmptyResult(out.Err) {
		trial.Error = out.Err.Error()
	}
	return trial, nil
}

// BestStrategy returns the strategy with the best mean success over the
// trailing 30 days of error-free trials, among those with at least
// minTrials samples. ok is false when no strategy qualifies.
func (t *Tracker) BestStrategy(ctx context.Context, minTrials int) (string, bool, error) {
	aggs, err := t.store.BestStrategies(ctx, t.now().Add(-BestStrategyWindow), minTrials)
	if err != nil {
		return "", false, fmt.Errorf("ranking strategies: %w", err)
	}
	if len(aggs) == 0 {
		return "", false, nil
	}
	return aggs[0].Strategy, true, nil
}

// CleanupOld deletes trials older than days.
func (t *Tracker) CleanupOld(ctx context.Context, days int) (int, error) {
	n, err := t.store.DeleteTrialsBefore(ctx, t.now().AddDate(0, 0, -days))
	if err != nil {
		return int(n), fmt.Errorf("deleting old trials: %w", err)
	}
	return int(n), nil
}

func (t *Tracker) Experiments(ctx context.Context) ([]storage.Experiment, error) {
	return t.store.Experiments(ctx)
}

// Experiment returns the named experiment and per-strategy summaries of
// its trials.
func (t *Tracker) Experiment(ctx context.Context, name string) (storage.Experiment, map[string]Summary, error) {
	e, err := t.store.Experiment(ctx, name)
	if err != nil {
		return storage.Experiment{}, nil, err
	}
	trials, err := t.store.ExperimentTrials(ctx, name)
	if err != nil {
		return storage.Experiment{}, nil, fmt.Errorf("reading trials of %s: %w", name, err)
	}
	by := make(map[string][]storage.Trial)
	for _, tr := range trials {
		by[tr.Strategy] = append(by[tr.Strategy], tr)
	}
	summaries := make(map[string]Summary, len(by))
	for s, ts := range by {
		summaries[s] = Summarize(s, ts)
	}
	return e, summaries, nil
}

type StrategyReport struct {
	Strategy      string  `json:"strategy"`
	Trials        int     `json:"trials"`
	MeanSuccess   float64 `json:"mean_success"`
	StdSuccess    float64 `json:"std_success"`
	MinSuccess    float64 `json:"min_success"`
	MaxSuccess    float64 `json:"max_success"`
	MeanLatencyMs float64 `json:"mean_latency_ms"`
}

type TopicReport struct {
	Topic       string  `json:"topic"`
	Trials      int     `json:"trials"`
	MeanSuccess float64 `json:"mean_success"`
}

type Report struct {
	PeriodDays       int              `json:"period_days"`
	TotalTrials      int              `json:"total_trials"`
	StrategiesTested int              `json:"strategies_tested"`
	OverallSuccess   float64          `json:"overall_success"`
	MeanLatencyMs    float64          `json:"mean_latency_ms"`
	Strategies       []StrategyReport `json:"strategies"`
	WorstTopics      []TopicReport    `json:"worst_topics"`
}

const worstTopicsLimit = 10

// Report summarizes trials from the last days. Per-strategy figures use
// error-free trials only; overall and per-topic figures use all of them.
func (t *Tracker) Report(ctx context.Context, days int) (Report, error) {
	trials, err := t.store.TrialsSince(ctx, t.now().AddDate(0, 0, -days))
	if err != nil {
		return Report{}, fmt.Errorf("reading trials: %w", err)
	}

	rep := Report{PeriodDays: days, TotalTrials: len(trials)}
	if len(trials) == 0 {
		return rep, nil
	}

	all := make([]float64, len(trials))
	var latency float64
	byStrategy := make(map[string][]storage.Trial)
	byTopic := make(map[string][]float64)
	for i, tr := range trials {
		all[i] = tr.SuccessRate
		latency += float64(tr.LatencyMs)
		byStrategy[tr.Strategy] = append(byStrategy[tr.Strategy], tr)
		byTopic[tr.Topic] = append(byTopic[tr.Topic], tr.SuccessRate)
	}
	rep.StrategiesTested = len(byStrategy)
	rep.OverallSuccess = mean(all)
	rep.MeanLatencyMs = latency / float64(len(trials))

	for name, ts := range byStrategy {
		clean := ts[:0:0]
		for _, tr := range ts {
			if tr.Error == "" {
				clean = append(clean, tr)
			}
		}
		if len(clean) == 0 {
			continue
		}
		s := Summarize(name, clean)
		rep.Strategies = append(rep.Strategies, StrategyReport{
			Strategy:      name,
			Trials:        s.Trials,
			MeanSuccess:   s.MeanSuccess,
			StdSuccess:    s.StdSuccess,
			MinSuccess:    s.MinSuccess,
			MaxSuccess:    s.MaxSuccess,
			MeanLatencyMs: s.MeanLatencyMs,
		})
	}
	sort.Slice(rep.Strategies, func(i, j int) bool {
		a, b := rep.Strategies[i], rep.Strategies[j]
		if a.MeanSuccess != b.MeanSuccess {
			return a.MeanSuccess > b.MeanSuccess
		}
		return a.Strategy < b.Strategy
	})

	for topic, rates := range byTopic {
		rep.WorstTopics = append(rep.WorstTopics, TopicReport{Topic: topic, Trials: len(rates), MeanSuccess: mean(rates)})
	}
	sort.Slice(rep.WorstTopics, func(i, j int) bool {
		a, b := rep.WorstTopics[i], rep.WorstTopics[j]
		if a.MeanSuccess != b.MeanSuccess {
			return a.MeanSuccess < b.MeanSuccess
		}
		return a.Topic < b.Topic
	})
	if len(rep.WorstTopics) > worstTopicsLimit {
		rep.WorstTopics = rep.WorstTopics[:worstTopicsLimit]
	}
	return rep, nil
}
