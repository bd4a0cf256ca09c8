// Package training runs the unscored familiarization routines: smell training,
// where the subject picks a scent, smells it and rates it, and identification
// training, which walks through a list of scenes. Each step the subject
// finishes leaves a Record.
package training

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scentsmart/internal/codec"
	"scentsmart/internal/engine"
)

var (
	ErrInvalidPlan   = errors.New("training: invalid plan")
	ErrInvalidChoice = errors.New("training: invalid choice")
)

// Kind names a training routine.
type Kind string

const (
	KindSmell          Kind = "smell"
	KindIdentification Kind = "identification"
)

// Record is one finished training step. Name is the scent name for smell
// training and the scene text for identification training. Rating is set by
// smell training only, Choice by identification training only (0 when
// nothing was checked).
type Record struct {
	Kind   Kind      `json:"kind"`
	Seq    int       `json:"seq"`
	Name   string    `json:"name"`
	Scent  uint16    `json:"scent"`
	Choice int       `json:"choice,omitempty"`
	Rating int       `json:"rating,omitempty"`
	At     time.Time `json:"at"`
}

// Trainer sends training emissions and collects the records of a session.
// Smell and Scenes share one Trainer so their records keep a single order.
type Trainer struct {
	dev   engine.Dispenser
	timer engine.Timer
	now   func() time.Time

	mu      sync.Mutex
	records []Record
}

type Option func(*Trainer)

func WithTimer(t engine.Timer) Option {
	return func(tr *Trainer) { tr.timer = t }
}

func WithClock(now func() time.Time) Option {
	return func(tr *Trainer) { tr.now = now }
}

func New(dev engine.Dispenser, opts ...Option) *Trainer {
	t := &Trainer{dev: dev, timer: engine.WallTimer(), now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Records returns every record so far, oldest first.
func (t *Trainer) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.records)
}

func (t *Trainer) record(r Record) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r.Seq = len(t.records) + 1
	r.At = t.now().UTC()
	t.records = append(t.records, r)
	log.Info().
		Str("training", string(r.Kind)).
		Int("seq", r.Seq).
		Str("name", r.Name).
		Int("choice", r.Choice).
		Int("rating", r.Rating).
		Msg("training step recorded")
	return r
}

// emit sends one block and waits out the phases after it. Once ctx is done
// the remaining waits are skipped; the command already sent still runs on
// the device.
func (t *Trainer) emit(ctx context.Context, b codec.EmitClean, phases ...time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Debug().Uint16("scent", b.ScentNo).Stringer("command", b.Command).Msg("training emission")
	if err := t.dev.EmitClean(b); err != nil {
		return err
	}
	for _, d := range phases {
		if err := t.timer.Sleep(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func seconds(n uint16) time.Duration { return time.Duration(n) * time.Second }
