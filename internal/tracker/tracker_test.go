package tracker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/topicimg/internal/cache"
	"github.com/kalambet/topicimg/internal/retriever"
	"github.com/kalambet/topicimg/internal/storage"
	"github.com/kalambet/topicimg/internal/strategy"
)

type mockGenerator struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, topic, strategy string, maxRetries int) (retriever.Outcome, error)
}

func (m *mockGenerator) GenerateDetailed(ctx context.Context, topic, _ string, strategy string, maxRetries int) (retriever.Outcome, error) {
	m.mu.Lock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[strategy]++
	m.mu.Unlock()
	return m.fn(ctx, topic, strategy, maxRetries)
}

// outcome proposes three ids of which valid pass.
func outcome(strategy string, valid int, latency time.Duration) retriever.Outcome {
	out := retriever.Outcome{Strategy: strategy, Attempts: 1, Latency: latency}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("%s-candidate-%d", strategy, i)
		out.ProposedIDs = append(out.ProposedIDs, id)
		if i < valid {
			out.Candidates = append(out.Candidates, cache.Candidate{ImageID: id})
		}
	}
	if valid == 0 {
		out.Err = retriever.ErrNoneValid
	}
	return out
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T, gen Generator) (*Tracker, *storage.TrialStore, *testClock) {
	t.Helper()
	store, err := storage.OpenTrialStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	tr := New(store, gen, Options{Rand: rand.New(rand.NewPCG(1, 2)), Clock: clock.Now})
	return tr, store, clock
}

func TestRunABTest_StrategyShootout(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, maxRetries int) (retriever.Outcome, error) {
		if maxRetries != 1 {
			return retriever.Outcome{}, fmt.Errorf("want one attempt, got %d", maxRetries)
		}
		if s == "verbose" {
			return outcome(s, 3, 40*time.Millisecond), nil
		}
		return outcome(s, 1, 20*time.Millisecond), nil
	}}
	tr, store, _ := newTestTracker(t, gen)
	require.Len(t, tr.Topics(), 15)

	res, err := tr.RunABTest(context.Background(), "strategy_shootout", []string{"default", "verbose"}, 5)
	require.NoError(t, err)

	assert.Equal(t, storage.ExperimentCompleted, res.Status)
	assert.Equal(t, "verbose", res.Winner)
	assert.Equal(t, 5, res.Summaries["default"].Trials)
	assert.Equal(t, 5, res.Summaries["verbose"].Trials)
	assert.InDelta(t, 1.0/3, res.Summaries["default"].MeanSuccess, 1e-9)
	assert.InDelta(t, 1.0, res.Summaries["verbose"].MeanSuccess, 1e-9)
	assert.InDelta(t, 3.0, res.Summaries["verbose"].MeanValid, 1e-9)
	assert.InDelta(t, 40.0, res.Summaries["verbose"].MeanLatencyMs, 1e-9)

	trials, err := store.ExperimentTrials(context.Background(), "strategy_shootout")
	require.NoError(t, err)
	require.Len(t, trials, 10)

	perStrategy := map[string]map[string]bool{}
	for _, tr := range trials {
		if perStrategy[tr.Strategy] == nil {
			perStrategy[tr.Strategy] = map[string]bool{}
		}
		assert.False(t, perStrategy[tr.Strategy][tr.Topic], "topic %q sampled twice for %s", tr.Topic, tr.Strategy)
		perStrategy[tr.Strategy][tr.Topic] = true
		assert.Len(t, tr.CandidateIDs, 3)
		assert.Empty(t, tr.Error)
		assert.NotEmpty(t, tr.ID)
	}

	e, err := store.Experiment(context.Background(), "strategy_shootout")
	require.NoError(t, err)
	assert.Equal(t, storage.ExperimentCompleted, e.Status)
	assert.Equal(t, "verbose", e.Winner)
	assert.NotNil(t, e.EndedAt)
	assert.Equal(t, []string{"default", "verbose"}, e.Strategies)
}

func TestRunABTest_TieGoesToFirstListed(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, _ int) (retriever.Outcome, error) {
		return outcome(s, 2, time.Millisecond), nil
	}}
	tr, _, _ := newTestTracker(t, gen)

	res, err := tr.RunABTest(context.Background(), "tie", []string{"verbose", "default", "fallback"}, 3)
	require.NoError(t, err)
	assert.Equal(t, "verbose", res.Winner)
}

func TestRunABTest_SampleBoundedByPool(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, _ int) (retriever.Outcome, error) {
		return outcome(s, 1, 0), nil
	}}
	tr, _, _ := newTestTracker(t, gen)

	res, err := tr.RunABTest(context.Background(), "big", []string{"default", "default"}, 50)
	require.NoError(t, err)
	assert.Equal(t, 15, res.Summaries["default"].Trials)
	assert.Equal(t, 15, gen.calls["default"])
}

func TestRunABTest_RecordsGenerationErrors(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, topic string, s string, _ int) (retriever.Outcome, error) {
		if topic == "ocean waves" || topic == "remote work" || topic == "food photography" {
			return retriever.Outcome{Strategy: s, Err: fmt.Errorf("backend down")}, nil
		}
		return outcome(s, 0, 0), nil
	}}
	tr, store, _ := newTestTracker(t, gen)

	res, err := tr.RunABTest(context.Background(), "flaky", []string{"default"}, 15)
	require.NoError(t, err)
	assert.InDelta(t, 3.0/15, res.Summaries["default"].ErrorRate, 1e-9)
	assert.Zero(t, res.Summaries["default"].MeanSuccess)

	trials, err := store.ExperimentTrials(context.Background(), "flaky")
	require.NoError(t, err)
	errored := 0
	for _, tr := range trials {
		if tr.Error != "" {
			errored++
		}
	}
	assert.Equal(t, 3, errored)
}

func TestRunABTest_CancelPauses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var n int
	var mu sync.Mutex
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, _ int) (retriever.Outcome, error) {
		mu.Lock()
		n++
		if n == 3 {
			cancel()
		}
		mu.Unlock()
		return outcome(s, 1, 0), nil
	}}
	tr, store, _ := newTestTracker(t, gen)

	res, err := tr.RunABTest(ctx, "interrupted", []string{"default"}, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, storage.ExperimentPaused, res.Status)
	assert.Empty(t, res.Winner)
	assert.Equal(t, 2, res.Summaries["default"].Trials)

	e, err := store.Experiment(context.Background(), "interrupted")
	require.NoError(t, err)
	assert.Equal(t, storage.ExperimentPaused, e.Status)
}

func TestRunABTest_UnknownStrategy(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, _ int) (retriever.Outcome, error) {
		if s == "telepathy" {
			return retriever.Outcome{}, fmt.Errorf("%w: %q", strategy.ErrUnknownStrategy, s)
		}
		return outcome(s, 1, 0), nil
	}}
	tr, store, _ := newTestTracker(t, gen)

	_, err := tr.RunABTest(context.Background(), "bad", []string{"telepathy"}, 3)
	require.ErrorIs(t, err, strategy.ErrUnknownStrategy)

	e, err := store.Experiment(context.Background(), "bad")
	require.NoError(t, err)
	assert.Equal(t, storage.ExperimentPaused, e.Status)
}

func TestRunABTest_InvalidArguments(t *testing.T) {
	tr, _, _ := newTestTracker(t, &mockGenerator{})
	ctx := context.Background()

	_, err := tr.RunABTest(ctx, "", []string{"default"}, 5)
	assert.ErrorIs(t, err, ErrInvalidExperiment)
	_, err = tr.RunABTest(ctx, "x", nil, 5)
	assert.ErrorIs(t, err, ErrInvalidExperiment)
	_, err = tr.RunABTest(ctx, "x", []string{"default"}, 0)
	assert.ErrorIs(t, err, ErrInvalidExperiment)
}

func seedTrials(t *testing.T, store *storage.TrialStore, at time.Time, strategy string, rates []float64, latency int64, errMsg string) {
	t.Helper()
	for i, r := range rates {
		err := store.SaveTrial(context.Background(), storage.Trial{
			ID:          fmt.Sprintf("%s-%d-%d-%s", strategy, at.Unix(), i, errMsg),
			Strategy:    strategy,
			Topic:       fmt.Sprintf("topic %d", i),
			SuccessRate: r,
			LatencyMs:   latency,
			TestedAt:    at,
			Error:       errMsg,
		})
		require.NoError(t, err)
	}
}

func TestBestStrategy(t *testing.T) {
	tr, store, clock := newTestTracker(t, &mockGenerator{})
	ctx := context.Background()
	now := clock.Now()

	_, ok, err := tr.BestStrategy(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	seedTrials(t, store, now.Add(-time.Hour), "default", []float64{0.6, 0.6, 0.6}, 100, "")
	seedTrials(t, store, now.Add(-time.Hour), "verbose", []float64{0.6, 0.6, 0.6}, 50, "")
	// Too few samples despite a perfect score.
	seedTrials(t, store, now.Add(-time.Hour), "fallback", []float64{1, 1}, 10, "")
	// Errored and stale trials are ignored.
	seedTrials(t, store, now.Add(-time.Hour), "default", []float64{1, 1, 1, 1}, 1, "boom")
	seedTrials(t, store, now.Add(-40*24*time.Hour), "fallback", []float64{1, 1, 1}, 10, "")

	best, ok, err := tr.BestStrategy(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "verbose", best)
}

func TestReportAndCleanup(t *testing.T) {
	tr, store, clock := newTestTracker(t, &mockGenerator{})
	ctx := context.Background()
	now := clock.Now()

	seedTrials(t, store, now.Add(-time.Hour), "default", []float64{1, 0.5}, 100, "")
	seedTrials(t, store, now.Add(-time.Hour), "verbose", []float64{0}, 300, "timeout")
	seedTrials(t, store, now.AddDate(0, 0, -100), "fallback", []float64{1}, 5, "")

	rep, err := tr.Report(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TotalTrials)
	assert.Equal(t, 2, rep.StrategiesTested)
	assert.InDelta(t, 0.5, rep.OverallSuccess, 1e-9)
	assert.InDelta(t, 500.0/3, rep.MeanLatencyMs, 1e-9)
	require.Len(t, rep.Strategies, 1)
	assert.Equal(t, "default", rep.Strategies[0].Strategy)
	assert.InDelta(t, 0.75, rep.Strategies[0].MeanSuccess, 1e-9)
	require.Len(t, rep.WorstTopics, 2)
	assert.Equal(t, "topic 0", rep.WorstTopics[0].Topic)
	assert.InDelta(t, 0.5, rep.WorstTopics[0].MeanSuccess, 1e-9)

	removed, err := tr.CleanupOld(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	empty, err := tr.Report(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, empty.TotalTrials)
	clock.Advance(30 * 24 * time.Hour)
	empty, err = tr.Report(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalTrials)
}

func TestExperimentSummaries(t *testing.T) {
	gen := &mockGenerator{fn: func(_ context.Context, _ string, s string, _ int) (retriever.Outcome, error) {
		return outcome(s, 2, 0), nil
	}}
	tr, _, _ := newTestTracker(t, gen)
	ctx := context.Background()

	_, err := tr.RunABTest(ctx, "listed", []string{"default", "fallback"}, 2)
	require.NoError(t, err)

	list, err := tr.Experiments(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	e, sums, err := tr.Experiment(ctx, "listed")
	require.NoError(t, err)
	assert.Equal(t, "listed", e.Name)
	assert.Equal(t, 2, sums["fallback"].Trials)
	assert.InDelta(t, 2.0/3, sums["default"].MeanSuccess, 1e-9)

	_, _, err = tr.Experiment(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
