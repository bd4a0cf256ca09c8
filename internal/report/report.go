// Package report assembles the end-of-session report and ships it to the
// configured sinks.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"scentsmart/internal/engine"
	"scentsmart/internal/scoring"
	"scentsmart/internal/training"
)

// Report is the full trial log and scores of one subject session.
type Report struct {
	ID        uuid.UUID         `json:"id"`
	Subject   string            `json:"subject"`
	CreatedAt time.Time         `json:"created_at"`
	Tests     []engine.Result   `json:"tests"`
	Scores    scoring.Scores    `json:"scores"`
	Band      scoring.Band      `json:"band"`
	Training  []training.Record `json:"training,omitempty"`
}

func New(id uuid.UUID, subject string, s *scoring.Session) *Report {
	return &Report{
		ID:        id,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
		Tests:     s.Results(),
		Scores:    s.Scores(),
		Band:      s.Band(),
	}
}

// Sink persists a finished report.
type Sink interface {
	Write(ctx context.Context, r *Report) error
}

// FileSink writes one indented JSON file per report.
type FileSink struct {
	Dir string
}

func (f FileSink) Path(r *Report) string {
	name := fmt.Sprintf("%s-%s.json", r.CreatedAt.Format("20060102-150405"), r.ID)
	return filepath.Join(f.Dir, name)
}

func (f FileSink) Write(_ context.Context, r *Report) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("report dir: %w", err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	path := f.Path(r)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	log.Info().Str("path", path).Msg("report written")
	return nil
}

func ReadFile(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &r, nil
}

// Fanout forwards engine events to every listener and reports to every sink.
type Fanout struct {
	listeners []engine.Listener
	sinks     []Sink
}

func (f *Fanout) AddListener(l engine.Listener) { f.listeners = append(f.listeners, l) }

func (f *Fanout) AddSink(s Sink) { f.sinks = append(f.sinks, s) }

func (f *Fanout) Listener() engine.Listener {
	return func(ev engine.Event) {
		for _, l := range f.listeners {
			l(ev)
		}
	}
}

// Write tries every sink. Failures are logged and returned joined; one bad
// sink does not stop the others.
func (f *Fanout) Write(ctx context.Context, r *Report) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Write(ctx, r); err != nil {
			log.Warn().Err(err).Str("sink", fmt.Sprintf("%T", s)).Msg("report sink failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
