// Package storage keeps session reports in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"scentsmart/internal/engine"
	"scentsmart/internal/report"
	"scentsmart/internal/scoring"
	"scentsmart/internal/training"
)

var ErrNotFound = errors.New("storage: report not found")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id                   UUID PRIMARY KEY,
    subject              TEXT NOT NULL,
    created_at           TIMESTAMPTZ NOT NULL,
    threshold_score      DOUBLE PRECISION NOT NULL,
    threshold_defined    BOOLEAN NOT NULL,
    discrimination_score INTEGER NOT NULL,
    identification_score INTEGER NOT NULL,
    composite_score      DOUBLE PRECISION NOT NULL,
    band                 TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tests (
    session_id     UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    test           TEXT NOT NULL,
    quit           BOOLEAN NOT NULL,
    time_elapsed_s DOUBLE PRECISION NOT NULL,
    score          DOUBLE PRECISION NOT NULL,
    defined        BOOLEAN NOT NULL,
    correct        INTEGER NOT NULL,
    percent        DOUBLE PRECISION NOT NULL,
    grade          INTEGER NOT NULL,
    PRIMARY KEY (session_id, test)
);
CREATE TABLE IF NOT EXISTS trials (
    session_id      UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    test            TEXT NOT NULL,
    idx             INTEGER NOT NULL,
    stimuli         INTEGER[] NOT NULL,
    expected        INTEGER NOT NULL,
    response        INTEGER NOT NULL,
    correct         BOOLEAN NOT NULL,
    level           INTEGER NOT NULL,
    threshold_label INTEGER NOT NULL,
    reversal        BOOLEAN NOT NULL,
    reversal_count  INTEGER NOT NULL,
    time_elapsed_s  DOUBLE PRECISION NOT NULL,
    PRIMARY KEY (session_id, test, idx)
);
CREATE TABLE IF NOT EXISTS training (
    session_id  UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    seq         INTEGER NOT NULL,
    kind        TEXT NOT NULL,
    name        TEXT NOT NULL,
    scent       INTEGER NOT NULL,
    choice      INTEGER NOT NULL,
    rating      INTEGER NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, seq)
);`

// Store implements report.Sink on top of PostgreSQL.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Write(ctx context.Context, r *report.Report) error { return s.Save(ctx, r) }

// Save stores a report in one transaction. Saving the same id twice fails.
func (s *Store) Save(ctx context.Context, r *report.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO sessions (
            id, subject, created_at, threshold_score, threshold_defined,
            discrimination_score, identification_score, composite_score, band
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.Subject, r.CreatedAt, r.Scores.Threshold, r.Scores.ThresholdDefined,
		r.Scores.Discrimination, r.Scores.Identification, r.Scores.Composite, string(r.Band),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for _, res := range r.Tests {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO tests (
                session_id, test, quit, time_elapsed_s, score, defined, correct, percent, grade
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, string(res.Test), res.Quit, res.ElapsedS, res.Score, res.Defined,
			res.Correct, res.Percent, res.Grade,
		)
		if err != nil {
			return fmt.Errorf("insert %s test: %w", res.Test, err)
		}
		for _, t := range res.Trials {
			_, err = tx.ExecContext(ctx, `
                INSERT INTO trials (
                    session_id, test, idx, stimuli, expected, response, correct,
                    level, threshold_label, reversal, reversal_count, time_elapsed_s
                ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				r.ID, string(res.Test), t.Index, pq.Array(toInt64(t.Stimuli)), t.Expected, t.Response,
				t.Correct, t.Level, t.Label, t.Reversal, t.ReversalCount, t.ElapsedS,
			)
			if err != nil {
				return fmt.Errorf("insert %s trial %d: %w", res.Test, t.Index, err)
			}
		}
	}
	for _, rec := range r.Training {
		_, err = tx.ExecContext(ctx, `
            INSERT INTO training (
                session_id, seq, kind, name, scent, choice, rating, recorded_at
            ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			r.ID, rec.Seq, string(rec.Kind), rec.Name, int(rec.Scent), rec.Choice, rec.Rating, rec.At,
		)
		if err != nil {
			return fmt.Errorf("insert training step %d: %w", rec.Seq, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*report.Report, error) {
	r := &report.Report{ID: id}
	var band string
	err := s.db.QueryRowContext(ctx, `
        SELECT subject, created_at, threshold_score, threshold_defined,
               discrimination_score, identification_score, composite_score, band
        FROM sessions WHERE id = $1`, id,
	).Scan(&r.Subject, &r.CreatedAt, &r.Scores.Threshold, &r.Scores.ThresholdDefined,
		&r.Scores.Discrimination, &r.Scores.Identification, &r.Scores.Composite, &band)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	r.Band = scoring.Band(band)

	rows, err := s.db.QueryContext(ctx, `
        SELECT test, quit, time_elapsed_s, score, defined, correct, percent, grade
        FROM tests WHERE session_id = $1`, id)
	if err != nil {
		return nil, err
	}
	byKind := map[engine.Kind]*engine.Result{}
	var results []engine.Result
	for rows.Next() {
		var res engine.Result
		var test string
		if err := rows.Scan(&test, &res.Quit, &res.ElapsedS, &res.Score, &res.Defined,
			&res.Correct, &res.Percent, &res.Grade); err != nil {
			rows.Close()
			return nil, err
		}
		res.Test = engine.Kind(test)
		results = append(results, res)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range results {
		byKind[results[i].Test] = &results[i]
	}

	if err := s.loadTrials(ctx, id, byKind); err != nil {
		return nil, err
	}
	r.Tests = ordered(results)

	if r.Training, err = s.loadTraining(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) loadTraining(ctx context.Context, id uuid.UUID) ([]training.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT seq, kind, name, scent, choice, rating, recorded_at
        FROM training WHERE session_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []training.Record
	for rows.Next() {
		var (
			rec   training.Record
			kind  string
			scent int64
		)
		if err := rows.Scan(&rec.Seq, &kind, &rec.Name, &scent, &rec.Choice, &rec.Rating, &rec.At); err != nil {
			return nil, err
		}
		rec.Kind = training.Kind(kind)
		rec.Scent = uint16(scent)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) loadTrials(ctx context.Context, id uuid.UUID, byKind map[engine.Kind]*engine.Result) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT test, idx, stimuli, expected, response, correct, level,
               threshold_label, reversal, reversal_count, time_elapsed_s
        FROM trials WHERE session_id = $1 ORDER BY test, idx`, id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t       engine.Trial
			test    string
			stimuli []int64
		)
		if err := rows.Scan(&test, &t.Index, pq.Array(&stimuli), &t.Expected, &t.Response, &t.Correct,
			&t.Level, &t.Label, &t.Reversal, &t.ReversalCount, &t.ElapsedS); err != nil {
			return err
		}
		t.Stimuli = toUint16(stimuli)
		if res, ok := byKind[engine.Kind(test)]; ok {
			res.Trials = append(res.Trials, t)
		}
	}
	return rows.Err()
}

var kindOrder = []engine.Kind{engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification}

func ordered(results []engine.Result) []engine.Result {
	out := make([]engine.Result, 0, len(results))
	for _, k := range kindOrder {
		for _, r := range results {
			if r.Test == k {
				out = append(out, r)
			}
		}
	}
	return out
}

func toInt64(v []uint16) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func toUint16(v []int64) []uint16 {
	out := make([]uint16, len(v))
	for i, x := range v {
		out[i] = uint16(x)
	}
	return out
}
