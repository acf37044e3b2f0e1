package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TrialStore persists strategy trials and A/B experiments. It lives in its own
// database file so maintenance on it never contends with cache traffic.
type TrialStore struct {
	db *DB
}

// OpenTrialStore opens the trial database at path (":memory:" for tests).
func OpenTrialStore(path string) (*TrialStore, error) {
	db, err := openDB(path, "trials")
	if err != nil {
		return nil, err
	}
	return &TrialStore{db: db}, nil
}

func (s *TrialStore) Close() error { return s.db.Close() }

func (s *TrialStore) DB() *DB { return s.db }

func encodeList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeList(s string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveTrial inserts an immutable trial row.
func (s *TrialStore) SaveTrial(ctx context.Context, t Trial) error {
	cands, err := encodeList(t.CandidateIDs)
	if err != nil {
		return fmt.Errorf("encoding candidate ids: %w", err)
	}
	valid, err := encodeList(t.ValidIDs)
	if err != nil {
		return fmt.Errorf("encoding valid ids: %w", err)
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trials (id, experiment, strategy, topic, context, candidate_ids, valid_ids, success_rate, latency_ms, tested_at, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Experiment, t.Strategy, t.Topic, t.Context, cands, valid,
			t.SuccessRate, t.LatencyMs, formatTime(t.TestedAt), t.Error,
		)
		if err != nil {
			return fmt.Errorf("inserting trial %s: %w", t.ID, err)
		}
		return nil
	})
}

const trialColumns = `id, experiment, strategy, topic, context, candidate_ids, valid_ids, success_rate, latency_ms, tested_at, error`

func scanTrial(r rowScanner) (Trial, error) {
	var t Trial
	var cands, valid, testedAt string
	if err := r.Scan(&t.ID, &t.Experiment, &t.Strategy, &t.Topic, &t.Context, &cands, &valid,
		&t.SuccessRate, &t.LatencyMs, &testedAt, &t.Error); err != nil {
		return Trial{}, err
	}
	var err error
	if t.CandidateIDs, err = decodeList(cands); err != nil {
		return Trial{}, fmt.Errorf("decoding candidate ids for %s: %w", t.ID, err)
	}
	if t.ValidIDs, err = decodeList(valid); err != nil {
		return Trial{}, fmt.Errorf("decoding valid ids for %s: %w", t.ID, err)
	}
	if t.TestedAt, err = parseTime(testedAt); err != nil {
		return Trial{}, err
	}
	return t, nil
}

func (s *TrialStore) queryTrials(ctx context.Context, query string, args ...any) ([]Trial, error) {
	rows, err := s.db.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TrialsSince returns every trial tested at or after since, oldest first.
func (s *TrialStore) TrialsSince(ctx context.Context, since time.Time) ([]Trial, error) {
	return s.queryTrials(ctx, `SELECT `+trialColumns+` FROM trials
		WHERE tested_at >= ? ORDER BY tested_at ASC, id ASC`, formatTime(since))
}

// ExperimentTrials returns the trials recorded under an experiment.
func (s *TrialStore) ExperimentTrials(ctx context.Context, name string) ([]Trial, error) {
	return s.queryTrials(ctx, `SELECT `+trialColumns+` FROM trials
		WHERE experiment = ? ORDER BY id ASC`, name)
}

// BestStrategies aggregates error-free trials since the cutoff, keeping
// strategies with at least minTrials samples, best first: mean success
// descending, then mean latency ascending.
func (s *TrialStore) BestStrategies(ctx context.Context, since time.Time, minTrials int) ([]StrategyAggregate, error) {
	rows, err := s.db.sql.QueryContext(ctx, `
		SELECT strategy, COUNT(*), AVG(success_rate), AVG(latency_ms)
		FROM trials
		WHERE tested_at >= ? AND error = ''
		GROUP BY strategy
		HAVING COUNT(*) >= ?
		ORDER BY AVG(success_rate) DESC, AVG(latency_ms) ASC, strategy ASC`,
		formatTime(since), minTrials)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StrategyAggregate
	for rows.Next() {
		var a StrategyAggregate
		if err := rows.Scan(&a.Strategy, &a.Trials, &a.MeanSuccess, &a.MeanLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteTrialsBefore removes trials tested before cutoff.
func (s *TrialStore) DeleteTrialsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM trials WHERE tested_at < ?`, formatTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// CreateExperiment records a new running experiment. Reusing a name replaces
// the previous record.
func (s *TrialStore) CreateExperiment(ctx context.Context, e Experiment) error {
	strategies, err := encodeList(e.Strategies)
	if err != nil {
		return fmt.Errorf("encoding strategies: %w", err)
	}
	status := e.Status
	if status == "" {
		status = ExperimentRunning
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO experiments (name, description, strategies, sample_size, started_at, ended_at, status, winner)
			VALUES (?, ?, ?, ?, ?, NULL, ?, '')
			ON CONFLICT(name) DO UPDATE SET
				description = excluded.description,
				strategies = excluded.strategies,
				sample_size = excluded.sample_size,
				started_at = excluded.started_at,
				ended_at = NULL,
				status = excluded.status,
				winner = ''`,
			e.Name, e.Description, strategies, e.SampleSize, formatTime(e.StartedAt), status,
		)
		return err
	})
}

// FinishExperiment closes an experiment with the given status and winner.
func (s *TrialStore) FinishExperiment(ctx context.Context, name, status, winner string, endedAt time.Time) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE experiments SET status = ?, winner = ?, ended_at = ? WHERE name = ?`,
			status, winner, formatTime(endedAt), name,
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

const experimentColumns = `name, description, strategies, sample_size, started_at, ended_at, status, winner`

func scanExperiment(r rowScanner) (Experiment, error) {
	var e Experiment
	var strategies, startedAt string
	var endedAt sql.NullString
	if err := r.Scan(&e.Name, &e.Description, &strategies, &e.SampleSize, &startedAt, &endedAt, &e.Status, &e.Winner); err != nil {
		return Experiment{}, err
	}
	var err error
	if e.Strategies, err = decodeList(strategies); err != nil {
		return Experiment{}, fmt.Errorf("decoding strategies for %s: %w", e.Name, err)
	}
	if e.StartedAt, err = parseTime(startedAt); err != nil {
		return Experiment{}, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return Experiment{}, err
		}
		e.EndedAt = &t
	}
	return e, nil
}

// Experiment returns the named experiment.
func (s *TrialStore) Experiment(ctx context.Context, name string) (Experiment, error) {
	e, err := scanExperiment(s.db.sql.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Experiment{}, ErrNotFound
	}
	return e, err
}

// Experiments lists experiments, newest first.
func (s *TrialStore) Experiments(ctx context.Context) ([]Experiment, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY started_at DESC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
