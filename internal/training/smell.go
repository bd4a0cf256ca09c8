package training

import (
	"context"
	"fmt"
	"slices"
	"time"

	"scentsmart/internal/codec"
)

// MaxSmellScents is how many scents one smell training offers.
const MaxSmellScents = 4

// MaxRating is the top of the self-check scale in tenths, so 100 is 10.0.
const MaxRating = 100

type Scent struct {
	Name  string `yaml:"name" json:"name"`
	Scent uint16 `yaml:"scent" json:"scent"`
}

// SmellCycle is the long emit and clean used for smell training, in whole
// seconds as the firmware takes them.
type SmellCycle struct {
	RunTime   uint16
	CleanTime uint16
	Interval  time.Duration
}

func DefaultSmellCycle() SmellCycle {
	return SmellCycle{RunTime: 15, CleanTime: 5, Interval: 2 * time.Second}
}

// Smell offers a fixed set of scents. The subject picks one (1-based),
// smells it and rates how well it was perceived.
type Smell struct {
	t      *Trainer
	scents []Scent
	cycle  SmellCycle
}

func NewSmell(t *Trainer, scents []Scent, c SmellCycle) (*Smell, error) {
	if len(scents) == 0 || len(scents) > MaxSmellScents {
		return nil, fmt.Errorf("%w: %d smell scents, want 1..%d", ErrInvalidPlan, len(scents), MaxSmellScents)
	}
	for i, s := range scents {
		if s.Name == "" || s.Scent == 0 {
			return nil, fmt.Errorf("%w: smell scent %d needs a name and a scent number", ErrInvalidPlan, i+1)
		}
	}
	if c.RunTime == 0 {
		return nil, fmt.Errorf("%w: smell run time 0", ErrInvalidPlan)
	}
	return &Smell{t: t, scents: slices.Clone(scents), cycle: c}, nil
}

func (s *Smell) Scents() []Scent { return slices.Clone(s.scents) }

func (s *Smell) pick(choice int) (Scent, error) {
	if choice < 1 || choice > len(s.scents) {
		return Scent{}, fmt.Errorf("%w: scent %d of %d", ErrInvalidChoice, choice, len(s.scents))
	}
	return s.scents[choice-1], nil
}

// Present emits the chosen scent with the emit-and-clean command and blocks
// through the emit, clean and interval phases. Calling it again for the same
// choice repeats the scent.
func (s *Smell) Present(ctx context.Context, choice int) error {
	sc, err := s.pick(choice)
	if err != nil {
		return err
	}
	b := s.t.dev.Settings().Block(codec.CmdEmitClean, sc.Scent)
	b.ScentPeriod = s.cycle.RunTime
	b.CleanPeriod = s.cycle.CleanTime
	return s.t.emit(ctx, b, seconds(s.cycle.RunTime), seconds(s.cycle.CleanTime), s.cycle.Interval)
}

// Rate records the self-check rating (1..MaxRating) for a scent.
func (s *Smell) Rate(choice, rating int) (Record, error) {
	sc, err := s.pick(choice)
	if err != nil {
		return Record{}, err
	}
	if rating < 1 || rating > MaxRating {
		return Record{}, fmt.Errorf("%w: rating %d not in 1..%d", ErrInvalidChoice, rating, MaxRating)
	}
	return s.t.record(Record{Kind: KindSmell, Name: sc.Name, Scent: sc.Scent, Choice: choice, Rating: rating}), nil
}
