package training

import (
	"context"
	"fmt"
	"slices"

	"scentsmart/internal/codec"
	"scentsmart/internal/engine"
)

// MaxSceneChoices bounds the check boxes of one scene.
const MaxSceneChoices = 4

// Scene is one page of identification training. A scene with Scent 0 is
// shown without emitting anything.
type Scene struct {
	Scent   uint16   `yaml:"scent" json:"scent"`
	Text    string   `yaml:"text" json:"text"`
	Choices []string `yaml:"choices" json:"choices,omitempty"`
}

// Scenes walks an identification training list in order.
type Scenes struct {
	t      *Trainer
	scenes []Scene
	timing engine.Timing
}

func NewScenes(t *Trainer, scenes []Scene, timing engine.Timing) (*Scenes, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("%w: no identification training scenes", ErrInvalidPlan)
	}
	for i, sc := range scenes {
		if sc.Text == "" {
			return nil, fmt.Errorf("%w: scene %d has no text", ErrInvalidPlan, i+1)
		}
		if len(sc.Choices) > MaxSceneChoices {
			return nil, fmt.Errorf("%w: scene %d has %d choices, max %d", ErrInvalidPlan, i+1, len(sc.Choices), MaxSceneChoices)
		}
	}
	return &Scenes{t: t, scenes: slices.Clone(scenes), timing: timing}, nil
}

func (s *Scenes) Len() int { return len(s.scenes) }

// Scene returns scene i (0-based).
func (s *Scenes) Scene(i int) (Scene, error) {
	if i < 0 || i >= len(s.scenes) {
		return Scene{}, fmt.Errorf("%w: scene %d of %d", ErrInvalidChoice, i+1, len(s.scenes))
	}
	return s.scenes[i], nil
}

// Show emits the scent of scene i, if it has one, and blocks through the
// emit, settle and interval phases.
func (s *Scenes) Show(ctx context.Context, i int) error {
	sc, err := s.Scene(i)
	if err != nil {
		return err
	}
	if sc.Scent == 0 {
		return nil
	}
	b := s.t.dev.Settings().Block(codec.CmdEmitClean, sc.Scent)
	return s.t.emit(ctx, b, s.timing.Emit, s.timing.Settle, s.timing.Interval)
}

// Finish records scene i with the checked choice (1-based, 0 for none).
func (s *Scenes) Finish(i, choice int) (Record, error) {
	sc, err := s.Scene(i)
	if err != nil {
		return Record{}, err
	}
	if choice < 0 || choice > len(sc.Choices) {
		return Record{}, fmt.Errorf("%w: choice %d of %d", ErrInvalidChoice, choice, len(sc.Choices))
	}
	return s.t.record(Record{Kind: KindIdentification, Name: sc.Text, Scent: sc.Scent, Choice: choice}), nil
}
