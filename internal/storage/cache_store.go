package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CacheStore persists topics, their candidate images and the daily
// lookup counters.
type CacheStore struct {
	db *DB
}

// OpenCacheStore opens the cache database at path (":memory:" for tests).
func OpenCacheStore(path string) (*CacheStore, error) {
	db, err := openDB(path, "cache")
	if err != nil {
		return nil, err
	}
	return &CacheStore{db: db}, nil
}

func (s *CacheStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for maintenance (vacuum, migrations).
func (s *CacheStore) DB() *DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

const entryColumns = `topic_key, image_id, source, url, valid, confidence, usage_count, created_at, last_validated`

func scanEntry(r rowScanner) (CacheEntry, error) {
	var e CacheEntry
	var valid int
	var createdAt, lastValidated string
	if err := r.Scan(&e.TopicKey, &e.ImageID, &e.Source, &e.URL, &valid, &e.Confidence, &e.UsageCount, &createdAt, &lastValidated); err != nil {
		return CacheEntry{}, err
	}
	e.Valid = valid != 0
	var err error
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return CacheEntry{}, err
	}
	if e.LastValidated, err = parseTime(lastValidated); err != nil {
		return CacheEntry{}, err
	}
	return e, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]CacheEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const goodEntriesQuery = `SELECT ` + entryColumns + ` FROM cache_entries
	WHERE topic_key = ? AND valid = 1 AND confidence >= ?
	ORDER BY confidence DESC, usage_count DESC, image_id ASC
	LIMIT ?`

// LookupAndCount reads up to limit valid entries for topicKey with
// confidence >= minConf and bumps the day's lookup counter (and hit counter
// when anything was found) in the same transaction.
func (s *CacheStore) LookupAndCount(ctx context.Context, topicKey string, minConf float64, limit int, day string) ([]CacheEntry, error) {
	var entries []CacheEntry
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		var err error
		entries, err = queryEntries(ctx, tx, goodEntriesQuery, topicKey, minConf, limit)
		if err != nil {
			return fmt.Errorf("reading entries: %w", err)
		}
		hit := 0
		if len(entries) > 0 {
			hit = 1
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_metrics (date, total_lookups, cache_hits) VALUES (?, 1, ?)
			ON CONFLICT(date) DO UPDATE SET
				total_lookups = total_lookups + 1,
				cache_hits = cache_hits + excluded.cache_hits`,
			day, hit,
		)
		if err != nil {
			return fmt.Errorf("counting lookup: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Entries reads valid entries without touching the counters.
func (s *CacheStore) Entries(ctx context.Context, topicKey string, minConf float64, limit int) ([]CacheEntry, error) {
	return queryEntries(ctx, s.db.sql, goodEntriesQuery, topicKey, minConf, limit)
}

// AllEntries returns every entry under topicKey, valid or not.
func (s *CacheStore) AllEntries(ctx context.Context, topicKey string) ([]CacheEntry, error) {
	return queryEntries(ctx, s.db.sql, `SELECT `+entryColumns+` FROM cache_entries
		WHERE topic_key = ? ORDER BY confidence DESC, usage_count DESC, image_id ASC`, topicKey)
}

// StoreEntries upserts topic and entries, then deletes whatever evict selects
// from the topic's full entry set. Everything runs in one transaction.
// Re-storing an existing (topic_key, image_id) refreshes source, url,
// confidence and last_validated, marks it valid and keeps usage_count.
func (s *CacheStore) StoreEntries(ctx context.Context, topic Topic, entries []CacheEntry, evict func([]CacheEntry) []CacheEntry) (int, error) {
	kw, err := json.Marshal(topic.Keywords)
	if err != nil {
		return 0, fmt.Errorf("encoding keywords: %w", err)
	}
	now := formatTime(topic.UpdatedAt)
	created := now
	if !topic.CreatedAt.IsZero() {
		created = formatTime(topic.CreatedAt)
	}

	evicted := 0
	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topics (topic_key, raw_text, normalized_text, keywords, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(topic_key) DO UPDATE SET
				raw_text = excluded.raw_text,
				updated_at = excluded.updated_at`,
			topic.Key, topic.Raw, topic.Normalized, string(kw), created, now,
		)
		if err != nil {
			return fmt.Errorf("upserting topic: %w", err)
		}
		for _, k := range topic.Keywords {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO topic_keywords (topic_key, keyword) VALUES (?, ?)`, topic.Key, k); err != nil {
				return fmt.Errorf("indexing keyword %q: %w", k, err)
			}
		}

		for _, e := range entries {
			validated := now
			if !e.LastValidated.IsZero() {
				validated = formatTime(e.LastValidated)
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO cache_entries (topic_key, image_id, source, url, valid, confidence, usage_count, created_at, last_validated)
				VALUES (?, ?, ?, ?, 1, ?, 0, ?, ?)
				ON CONFLICT(topic_key, image_id) DO UPDATE SET
					source = excluded.source,
					url = excluded.url,
					valid = 1,
					confidence = excluded.confidence,
					last_validated = excluded.last_validated`,
				topic.Key, e.ImageID, e.Source, e.URL, e.Confidence, now, validated,
			)
			if err != nil {
				return fmt.Errorf("upserting entry %s: %w", e.ImageID, err)
			}
		}

		if evict == nil {
			return nil
		}
		all, err := queryEntries(ctx, tx, `SELECT `+entryColumns+` FROM cache_entries WHERE topic_key = ?`, topic.Key)
		if err != nil {
			return fmt.Errorf("reading entries for eviction: %w", err)
		}
		for _, e := range evict(all) {
			res, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE topic_key = ? AND image_id = ?`, e.TopicKey, e.ImageID)
			if err != nil {
				return fmt.Errorf("evicting %s: %w", e.ImageID, err)
			}
			n, _ := res.RowsAffected()
			evicted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return evicted, nil
}

// Touch increments usage_count and refreshes last_validated.
func (s *CacheStore) Touch(ctx context.Context, topicKey, imageID string, at time.Time) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cache_entries SET usage_count = usage_count + 1, last_validated = ?
			WHERE topic_key = ? AND image_id = ?`,
			formatTime(at), topicKey, imageID,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetValidity records the outcome of a revalidation check.
func (s *CacheStore) SetValidity(ctx context.Context, topicKey, imageID string, valid bool, at time.Time) error {
	v := 0
	if valid {
		v = 1
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE cache_entries SET valid = ?, last_validated = ?
			WHERE topic_key = ? AND image_id = ?`,
			v, formatTime(at), topicKey, imageID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// StalestEntries returns the limit entries validated longest ago.
func (s *CacheStore) StalestEntries(ctx context.Context, limit int) ([]CacheEntry, error) {
	return queryEntries(ctx, s.db.sql, `SELECT `+entryColumns+` FROM cache_entries
		ORDER BY last_validated ASC, topic_key ASC, image_id ASC LIMIT ?`, limit)
}

// deleteChunked repeatedly deletes up to chunk rows of table matching where,
// releasing the writer lock between chunks.
func (s *CacheStore) deleteChunked(ctx context.Context, table, where string, chunk int, args ...any) (int64, error) {
	if chunk < 1 {
		chunk = 500
	}
	query := `DELETE FROM ` + table + ` WHERE rowid IN (SELECT rowid FROM ` + table + ` WHERE ` + where + ` LIMIT ?)`
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var n int64
		err := s.db.Write(ctx, func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, query, append(append([]any{}, args...), chunk)...)
			if err != nil {
				return err
			}
			n, err = res.RowsAffected()
			return err
		})
		if err != nil {
			return total, fmt.Errorf("deleting from %s: %w", table, err)
		}
		total += n
		if n < int64(chunk) {
			return total, nil
		}
	}
}

// DeleteExpired removes never-used entries last validated before cutoff.
func (s *CacheStore) DeleteExpired(ctx context.Context, cutoff time.Time, chunk int) (int64, error) {
	return s.deleteChunked(ctx, "cache_entries", "last_validated < ? AND usage_count = 0", chunk, formatTime(cutoff))
}

// DeleteLowValue removes never-used entries below threshold confidence that
// were last validated before cutoff.
func (s *CacheStore) DeleteLowValue(ctx context.Context, threshold float64, cutoff time.Time, chunk int) (int64, error) {
	return s.deleteChunked(ctx, "cache_entries", "confidence < ? AND usage_count = 0 AND last_validated < ?", chunk, threshold, formatTime(cutoff))
}

// DeleteOrphanTopics removes topics that no longer own any entry.
func (s *CacheStore) DeleteOrphanTopics(ctx context.Context, chunk int) (int64, error) {
	return s.deleteChunked(ctx, "topics",
		"NOT EXISTS (SELECT 1 FROM cache_entries e WHERE e.topic_key = topics.topic_key)", chunk)
}

// DeleteMetricsBefore drops daily_metrics rows older than day.
func (s *CacheStore) DeleteMetricsBefore(ctx context.Context, day string) (int64, error) {
	var n int64
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM daily_metrics WHERE date < ?`, day)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// IncrementGenerationCalls bumps the day's generation counter.
func (s *CacheStore) IncrementGenerationCalls(ctx context.Context, day string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO daily_metrics (date, generation_calls) VALUES (?, 1)
			ON CONFLICT(date) DO UPDATE SET generation_calls = generation_calls + 1`, day)
		return err
	})
}

// Metrics returns the counters for a single day; a missing row reads as zero.
func (s *CacheStore) Metrics(ctx context.Context, day string) (DailyMetrics, error) {
	m := DailyMetrics{Date: day}
	err := s.db.sql.QueryRowContext(ctx,
		`SELECT total_lookups, cache_hits, generation_calls FROM daily_metrics WHERE date = ?`, day,
	).Scan(&m.TotalLookups, &m.CacheHits, &m.GenerationCalls)
	if errors.Is(err, sql.ErrNoRows) {
		return m, nil
	}
	return m, err
}

// MetricsSince returns daily rows from day onward in date order.
func (s *CacheStore) MetricsSince(ctx context.Context, day string) ([]DailyMetrics, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT date, total_lookups, cache_hits, generation_calls
		FROM daily_metrics WHERE date >= ? ORDER BY date ASC`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DailyMetrics
	for rows.Next() {
		var m DailyMetrics
		if err := rows.Scan(&m.Date, &m.TotalLookups, &m.CacheHits, &m.GenerationCalls); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Stats aggregates the whole store plus the daily counters from sinceDay on.
func (s *CacheStore) Stats(ctx context.Context, sinceDay string) (CacheStats, error) {
	var st CacheStats
	if err := s.db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM topics`).Scan(&st.TotalTopics); err != nil {
		return CacheStats{}, fmt.Errorf("counting topics: %w", err)
	}
	err := s.db.sql.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(valid), 0), COALESCE(AVG(usage_count), 0), COALESCE(MAX(usage_count), 0)
		FROM cache_entries`,
	).Scan(&st.TotalImages, &st.ValidImages, &st.AvgUsage, &st.MaxUsage)
	if err != nil {
		return CacheStats{}, fmt.Errorf("aggregating entries: %w", err)
	}
	err = s.db.sql.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_lookups), 0), COALESCE(SUM(cache_hits), 0), COALESCE(SUM(generation_calls), 0)
		FROM daily_metrics WHERE date >= ?`, sinceDay,
	).Scan(&st.Lookups, &st.Hits, &st.Generations)
	if err != nil {
		return CacheStats{}, fmt.Errorf("aggregating metrics: %w", err)
	}
	return st, nil
}

func scanTopic(r rowScanner) (Topic, error) {
	var t Topic
	var kw, createdAt, updatedAt string
	if err := r.Scan(&t.Key, &t.Raw, &t.Normalized, &kw, &createdAt, &updatedAt); err != nil {
		return Topic{}, err
	}
	if err := json.Unmarshal([]byte(kw), &t.Keywords); err != nil {
		return Topic{}, fmt.Errorf("decoding keywords for %s: %w", t.Key, err)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Topic{}, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Topic{}, err
	}
	return t, nil
}

// Topic returns the stored topic for key.
func (s *CacheStore) Topic(ctx context.Context, key string) (Topic, error) {
	t, err := scanTopic(s.db.sql.QueryRowContext(ctx, `
		SELECT topic_key, raw_text, normalized_text, keywords, created_at, updated_at
		FROM topics WHERE topic_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return Topic{}, ErrNotFound
	}
	return t, err
}

// TopicsSharingKeywords returns up to limit topics, other than exclude, that
// share at least one keyword with keywords. Most recently updated first.
func (s *CacheStore) TopicsSharingKeywords(ctx context.Context, keywords []string, exclude string, limit int) ([]Topic, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(keywords)+2)
	args = append(args, exclude)
	for _, k := range keywords {
		args = append(args, k)
	}
	args = append(args, limit)

	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT topic_key, raw_text, normalized_text, keywords, created_at, updated_at
		FROM topics
		WHERE topic_key != ? AND topic_key IN (
			SELECT topic_key FROM topic_keywords WHERE keyword IN (`+placeholders(len(keywords))+`)
		)
		ORDER BY updated_at DESC, topic_key ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Topic
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TopTopics ranks topics by total usage of their entries.
func (s *CacheStore) TopTopics(ctx context.Context, limit int) ([]TopicUsage, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT t.topic_key, t.raw_text, COUNT(e.image_id), COALESCE(SUM(e.usage_count), 0), COALESCE(AVG(e.confidence), 0)
		FROM topics t JOIN cache_entries e ON e.topic_key = t.topic_key
		GROUP BY t.topic_key, t.raw_text
		ORDER BY SUM(e.usage_count) DESC, t.topic_key ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopicUsage
	for rows.Next() {
		var u TopicUsage
		if err := rows.Scan(&u.TopicKey, &u.Raw, &u.Images, &u.TotalUsage, &u.AvgConf); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SourceBreakdown counts total and valid entries per image source.
func (s *CacheStore) SourceBreakdown(ctx context.Context) ([]SourceStats, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT source, COUNT(*), COALESCE(SUM(valid), 0)
		FROM cache_entries GROUP BY source ORDER BY source ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SourceStats
	for rows.Next() {
		var st SourceStats
		if err := rows.Scan(&st.Source, &st.Total, &st.Valid); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ExportPage returns up to limit rows of the topic x entry join strictly after
// the (afterKey, afterImage) cursor. Pass empty strings for the first page.
func (s *CacheStore) ExportPage(ctx context.Context, afterKey, afterImage string, limit int) ([]ExportRow, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT t.raw_text, t.normalized_text, e.topic_key, e.image_id, e.source, e.url,
			e.valid, e.usage_count, e.confidence, e.last_validated
		FROM cache_entries e JOIN topics t ON t.topic_key = e.topic_key
		WHERE (e.topic_key, e.image_id) > (?, ?)
		ORDER BY e.topic_key ASC, e.image_id ASC
		LIMIT ?`, afterKey, afterImage, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var r ExportRow
		var valid int
		var lastValidated string
		if err := rows.Scan(&r.Topic, &r.NormalizedTopic, &r.TopicKey, &r.ImageID, &r.Source, &r.URL,
			&valid, &r.UsageCount, &r.Confidence, &lastValidated); err != nil {
			return nil, err
		}
		r.Valid = valid != 0
		if r.LastValidated, err = parseTime(lastValidated); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
