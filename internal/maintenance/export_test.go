package maintenance

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/topicimg/internal/sources"
)

func seedExport(t *testing.T, f *fixture) {
	t.Helper()
	now := f.clock.Now()
	f.storeAt(t, now, "solar panels", cand("sun-0000000", sources.Unsplash, 0.9), cand("sun-1111111", sources.Pexels, 0.8))
	f.storeAt(t, now, "wind farms", cand("wind-000000", sources.Unsplash, 0.7), cand("wind-111111", sources.Unsplash, 0.6))
	f.storeAt(t, now, "tidal power", cand("tide-000000", sources.Pexels, 0.75))
}

func TestExport_JSON(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 2})
	seedExport(t, f)
	path := filepath.Join(t.TempDir(), "cache.json")

	sum, err := f.m.Export(context.Background(), path, "JSON")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, sum.Format)
	assert.Equal(t, 5, sum.Entries)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(raw)), sum.Bytes)

	var doc struct {
		ExportDate   string        `json:"export_date"`
		CacheEntries []exportEntry `json:"cache_entries"`
		TotalEntries int           `json:"total_entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 5, doc.TotalEntries)
	assert.NotEmpty(t, doc.ExportDate)
	require.Len(t, doc.CacheEntries, 5)

	seen := map[string]bool{}
	for _, e := range doc.CacheEntries {
		assert.False(t, seen[e.ImageID], "duplicate %s across pages", e.ImageID)
		seen[e.ImageID] = true
		assert.True(t, e.Valid)
		assert.NotEmpty(t, e.Topic)
	}
}

func TestExport_CSV(t *testing.T) {
	f := newFixture(t, Options{ChunkSize: 5})
	seedExport(t, f)
	path := filepath.Join(t.TempDir(), "cache.csv")

	sum, err := f.m.Export(context.Background(), path, "csv")
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Entries)

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, csvHeader, records[0])
	for _, r := range records[1:] {
		assert.Equal(t, "true", r[4])
		assert.Equal(t, "0", r[5])
	}
}

func TestExport_Empty(t *testing.T) {
	f := newFixture(t, Options{})
	path := filepath.Join(t.TempDir(), "empty.json")

	sum, err := f.m.Export(context.Background(), path, "")
	require.NoError(t, err)
	assert.Zero(t, sum.Entries)

	var doc map[string]any
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, float64(0), doc["total_entries"])
	assert.Empty(t, doc["cache_entries"])
}

func TestExport_FailureLeavesNoFile(t *testing.T) {
	f := newFixture(t, Options{})
	seedExport(t, f)
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.json")

	_, err := f.m.Export(context.Background(), path, "xml")
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.m.Export(ctx, path, "json")
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
