package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *CacheStore {
	t.Helper()
	s, err := OpenCacheStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func openTestTrials(t *testing.T) *TrialStore {
	t.Helper()
	s, err := OpenTrialStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testTopic(key string, keywords ...string) Topic {
	return Topic{Key: key, Raw: key, Normalized: key, Keywords: keywords, UpdatedAt: t0}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")

	s1, err := OpenCacheStore(path)
	require.NoError(t, err)
	v1, err := s1.DB().AppliedMigrations()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := OpenCacheStore(path)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.DB().AppliedMigrations()
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.NotEmpty(t, v2)
}

func TestStoresUseSeparateSchemas(t *testing.T) {
	c := openTestCache(t)
	tr := openTestTrials(t)

	var n int
	require.NoError(t, c.db.sql.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'trials'`).Scan(&n))
	assert.Zero(t, n)
	require.NoError(t, tr.db.sql.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'cache_entries'`).Scan(&n))
	assert.Zero(t, n)
}

func TestLookupAndCount(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)
	day := Day(t0)

	_, err := s.StoreEntries(ctx, testTopic("k1", "solar"), []CacheEntry{
		{ImageID: "low", Source: "unsplash", Confidence: 0.6},
		{ImageID: "high", Source: "unsplash", Confidence: 0.9},
		{ImageID: "mid", Source: "pexels", Confidence: 0.8},
	}, nil)
	require.NoError(t, err)

	got, err := s.LookupAndCount(ctx, "k1", 0.7, 3, day)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].ImageID)
	assert.Equal(t, "mid", got[1].ImageID)
	assert.True(t, got[0].Valid)

	_, err = s.LookupAndCount(ctx, "missing", 0.7, 3, day)
	require.NoError(t, err)

	m, err := s.Metrics(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 2, m.TotalLookups)
	assert.Equal(t, 1, m.CacheHits)
}

func TestStoreEntries_UpsertKeepsUsage(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	_, err := s.StoreEntries(ctx, testTopic("k"), []CacheEntry{{ImageID: "a", Source: "unsplash", Confidence: 0.8}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, "k", "a", t0.Add(time.Hour)))
	require.NoError(t, s.SetValidity(ctx, "k", "a", false, t0.Add(2*time.Hour)))

	_, err = s.StoreEntries(ctx, testTopic("k"), []CacheEntry{{ImageID: "a", Source: "pexels", Confidence: 0.9}}, nil)
	require.NoError(t, err)

	all, err := s.AllEntries(ctx, "k")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 1, all[0].UsageCount)
	assert.Equal(t, "pexels", all[0].Source)
	assert.Equal(t, 0.9, all[0].Confidence)
	assert.True(t, all[0].Valid)
}

func TestStoreEntries_Evicts(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	dropLowest := func(all []CacheEntry) []CacheEntry {
		if len(all) <= 2 {
			return nil
		}
		low := all[0]
		for _, e := range all[1:] {
			if e.Confidence < low.Confidence {
				low = e
			}
		}
		return []CacheEntry{low}
	}

	_, err := s.StoreEntries(ctx, testTopic("k"), []CacheEntry{
		{ImageID: "a", Confidence: 0.7}, {ImageID: "b", Confidence: 0.9},
	}, dropLowest)
	require.NoError(t, err)

	n, err := s.StoreEntries(ctx, testTopic("k"), []CacheEntry{{ImageID: "c", Confidence: 0.8}}, dropLowest)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.AllEntries(ctx, "k")
	require.NoError(t, err)
	ids := []string{all[0].ImageID, all[1].ImageID}
	assert.ElementsMatch(t, []string{"b", "c"}, ids)
}

func TestTouchNotFound(t *testing.T) {
	s := openTestCache(t)
	assert.ErrorIs(t, s.Touch(context.Background(), "nope", "nope", t0), ErrNotFound)
}

func TestDeleteExpired_ProtectsUsed(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	old := t0.Add(-30 * 24 * time.Hour)
	_, err := s.StoreEntries(ctx, testTopic("k"), []CacheEntry{
		{ImageID: "unused", Confidence: 0.8, LastValidated: old},
		{ImageID: "used", Confidence: 0.8, LastValidated: old},
		{ImageID: "fresh", Confidence: 0.8, LastValidated: t0},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, "k", "used", old))

	n, err := s.DeleteExpired(ctx, t0.Add(-7*24*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.AllEntries(ctx, "k")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteLowValueAndOrphans(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	old := t0.Add(-10 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		_, err := s.StoreEntries(ctx, testTopic(key, "kw"), []CacheEntry{{ImageID: "x", Confidence: 0.1, LastValidated: old}}, nil)
		require.NoError(t, err)
	}
	_, err := s.StoreEntries(ctx, testTopic("keep", "kw"), []CacheEntry{{ImageID: "x", Confidence: 0.9, LastValidated: old}}, nil)
	require.NoError(t, err)

	n, err := s.DeleteLowValue(ctx, 0.3, t0.Add(-7*24*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.DeleteOrphanTopics(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	n, err = s.DeleteOrphanTopics(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, n)

	var kws int
	require.NoError(t, s.db.sql.QueryRow(`SELECT COUNT(*) FROM topic_keywords`).Scan(&kws))
	assert.Equal(t, 1, kws, "keyword rows cascade with their topic")
}

func TestTopicsSharingKeywords(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	for _, tp := range []Topic{
		testTopic("a", "solar", "kenya"),
		testTopic("b", "solar", "roof"),
		testTopic("c", "ocean", "waves"),
	} {
		_, err := s.StoreEntries(ctx, tp, nil, nil)
		require.NoError(t, err)
	}

	got, err := s.TopicsSharingKeywords(ctx, []string{"solar", "panels"}, "a", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Key)
	assert.Equal(t, []string{"solar", "roof"}, got[0].Keywords)
}

func TestStatsAndBreakdowns(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)
	day := Day(t0)

	_, err := s.StoreEntries(ctx, testTopic("a"), []CacheEntry{
		{ImageID: "1", Source: "unsplash", Confidence: 0.9},
		{ImageID: "2", Source: "pexels", Confidence: 0.8},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Touch(ctx, "a", "1", t0))
	require.NoError(t, s.Touch(ctx, "a", "1", t0))
	require.NoError(t, s.SetValidity(ctx, "a", "2", false, t0))
	require.NoError(t, s.IncrementGenerationCalls(ctx, day))
	_, err = s.LookupAndCount(ctx, "a", 0.7, 3, day)
	require.NoError(t, err)

	st, err := s.Stats(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalTopics)
	assert.Equal(t, 2, st.TotalImages)
	assert.Equal(t, 1, st.ValidImages)
	assert.Equal(t, 1.0, st.AvgUsage)
	assert.Equal(t, 2, st.MaxUsage)
	assert.Equal(t, 1, st.Lookups)
	assert.Equal(t, 1, st.Hits)
	assert.Equal(t, 1, st.Generations)

	src, err := s.SourceBreakdown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []SourceStats{{"pexels", 1, 0}, {"unsplash", 1, 1}}, src)

	top, err := s.TopTopics(ctx, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, 2, top[0].TotalUsage)
}

func TestExportPage_Keyset(t *testing.T) {
	ctx := context.Background()
	s := openTestCache(t)

	for i := 0; i < 3; i++ {
		_, err := s.StoreEntries(ctx, testTopic(fmt.Sprintf("k%d", i)), []CacheEntry{
			{ImageID: "a", Confidence: 0.9}, {ImageID: "b", Confidence: 0.8},
		}, nil)
		require.NoError(t, err)
	}

	var seen []string
	key, img := "", ""
	for {
		page, err := s.ExportPage(ctx, key, img, 4)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, r := range page {
			seen = append(seen, r.TopicKey+"/"+r.ImageID)
		}
		last := page[len(page)-1]
		key, img = last.TopicKey, last.ImageID
	}
	assert.Equal(t, []string{"k0/a", "k0/b", "k1/a", "k1/b", "k2/a", "k2/b"}, seen)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	ctx := context.Background()
	s, err := OpenCacheStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.StoreEntries(ctx, testTopic("k"), []CacheEntry{{ImageID: "a", Confidence: 0.9}}, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Touch(ctx, "k", "a", t0))
		}()
	}
	wg.Wait()

	all, err := s.AllEntries(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 20, all[0].UsageCount)
}

func TestTrials_BestStrategies(t *testing.T) {
	ctx := context.Background()
	s := openTestTrials(t)

	add := func(id, strategy string, rate float64, latency int64, errMsg string, at time.Time) {
		require.NoError(t, s.SaveTrial(ctx, Trial{
			ID: id, Strategy: strategy, Topic: "t", SuccessRate: rate, LatencyMs: latency,
			TestedAt: at, Error: errMsg, CandidateIDs: []string{"x"},
		}))
	}
	add("1", "default", 1.0, 200, "", t0)
	add("2", "default", 0.5, 200, "", t0)
	add("3", "verbose", 0.75, 100, "", t0)
	add("4", "verbose", 0.75, 100, "", t0)
	add("5", "verbose", 0.0, 100, "timeout", t0)
	add("6", "fallback", 1.0, 50, "", t0)
	add("7", "old", 1.0, 10, "", t0.Add(-60*24*time.Hour))
	add("8", "old", 1.0, 10, "", t0.Add(-60*24*time.Hour))

	got, err := s.BestStrategies(ctx, t0.Add(-30*24*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "verbose", got[0].Strategy, "equal mean success, lower latency wins")
	assert.Equal(t, "default", got[1].Strategy)
	assert.Equal(t, 2, got[0].Trials)

	n, err := s.DeleteTrialsBefore(ctx, t0.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestExperimentsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestTrials(t)

	require.NoError(t, s.CreateExperiment(ctx, Experiment{
		Name: "shootout", Strategies: []string{"default", "verbose"}, SampleSize: 5, StartedAt: t0,
	}))
	e, err := s.Experiment(ctx, "shootout")
	require.NoError(t, err)
	assert.Equal(t, ExperimentRunning, e.Status)
	assert.Nil(t, e.EndedAt)

	require.NoError(t, s.FinishExperiment(ctx, "shootout", ExperimentCompleted, "verbose", t0.Add(time.Minute)))
	e, err = s.Experiment(ctx, "shootout")
	require.NoError(t, err)
	assert.Equal(t, ExperimentCompleted, e.Status)
	assert.Equal(t, "verbose", e.Winner)
	require.NotNil(t, e.EndedAt)

	list, err := s.Experiments(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Experiment(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.FinishExperiment(ctx, "absent", ExperimentPaused, "", t0), ErrNotFound)
}
