// config/plan.go
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"scentsmart/internal/engine"
	"scentsmart/internal/training"
)

// Plan is the authored trial list for each test. Any randomization happens
// when the plan is written; the engines replay it in order.
type Plan struct {
	Threshold      []int          `yaml:"threshold"`
	Discrimination []engine.Triad `yaml:"discrimination"`
	Identification []engine.Item  `yaml:"identification"`
	Training       TrainingPlan   `yaml:"training"`
}

// TrainingPlan lists the smell-training scents and the identification
// training scenes.
type TrainingPlan struct {
	Smell          []training.Scent `yaml:"smell"`
	Identification []training.Scene `yaml:"identification"`
}

// DefaultPlan is used when no plan file is given.
func DefaultPlan() *Plan {
	return &Plan{
		Threshold: []int{2, 1, 3, 3, 1, 2, 1, 3, 2, 2, 3, 1, 3, 2, 1, 1, 2, 3, 2, 3, 1, 1, 3, 2, 3, 1, 2, 2, 1, 3},
		Discrimination: []engine.Triad{
			{Scents: [3]uint16{14, 15, 14}, Answer: 2},
			{Scents: [3]uint16{16, 16, 17}, Answer: 3},
			{Scents: [3]uint16{19, 18, 18}, Answer: 1},
			{Scents: [3]uint16{20, 21, 20}, Answer: 2},
			{Scents: [3]uint16{23, 22, 22}, Answer: 1},
			{Scents: [3]uint16{24, 24, 25}, Answer: 3},
			{Scents: [3]uint16{26, 27, 26}, Answer: 2},
			{Scents: [3]uint16{28, 28, 29}, Answer: 3},
		},
		Identification: []engine.Item{
			{Scent: 30, Choices: []string{"orange", "blackberry", "strawberry", "pineapple"}, Answer: 1},
			{Scent: 31, Choices: []string{"smoke", "glue", "leather", "grass"}, Answer: 3},
			{Scent: 32, Choices: []string{"honey", "vanilla", "chocolate", "cinnamon"}, Answer: 4},
			{Scent: 33, Choices: []string{"chive", "peppermint", "fir"}, Answer: 2},
			{Scent: 34, Choices: []string{"cherry", "coconut", "walnut", "banana"}, Answer: 4},
			{Scent: 35, Choices: []string{"peach", "apple", "lemon"}, Answer: 3},
			{Scent: 36, Choices: []string{"mustard", "licorice"}, Answer: 2},
			{Scent: 37, Choices: []string{"onion", "sauerkraut", "garlic", "carrot"}, Answer: 3},
			{Scent: 38, Choices: []string{"cigarette", "coffee", "wine", "candle smoke"}, Answer: 2},
			{Scent: 39, Choices: []string{"melon", "peach", "orange", "apple"}, Answer: 4},
			{Scent: 40, Choices: []string{"clove", "pepper", "cinnamon", "mustard"}, Answer: 1},
			{Scent: 41, Choices: []string{"pear", "plum", "peach", "pineapple"}, Answer: 4},
			{Scent: 42, Choices: []string{"chamomile", "raspberry", "rose", "cherry"}, Answer: 3},
			{Scent: 43, Choices: []string{"rum", "anise", "honey", "fir"}, Answer: 2},
			{Scent: 44, Choices: []string{"bread", "fish", "cheese", "ham"}, Answer: 2},
			{Scent: 45, Choices: []string{"fir", "turpentine", "pine"}, Answer: 2},
		},
		Training: TrainingPlan{
			Smell: []training.Scent{
				{Name: "rose", Scent: 46},
				{Name: "lemon", Scent: 47},
				{Name: "clove", Scent: 48},
				{Name: "eucalyptus", Scent: 49},
			},
			Identification: []training.Scene{
				{Text: "Each scene releases a scent. Smell it, then check the best match."},
				{Scent: 50, Text: "Which fruit is this?", Choices: []string{"lemon", "banana", "apple"}},
				{Scent: 51, Text: "Which spice is this?", Choices: []string{"cinnamon", "clove", "pepper", "anise"}},
				{Scent: 52, Text: "Which flower is this?", Choices: []string{"rose", "lavender"}},
				{Text: "Training finished."},
			},
		},
	}
}

// LoadPlan reads a plan file; an empty path returns DefaultPlan. Sections
// missing from the file fall back to the default lists.
func LoadPlan(path string) (*Plan, error) {
	p := DefaultPlan()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var f Plan
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if len(f.Threshold) > 0 {
		p.Threshold = f.Threshold
	}
	if len(f.Discrimination) > 0 {
		p.Discrimination = f.Discrimination
	}
	if len(f.Identification) > 0 {
		p.Identification = f.Identification
	}
	if len(f.Training.Smell) > 0 {
		p.Training.Smell = f.Training.Smell
	}
	if len(f.Training.Identification) > 0 {
		p.Training.Identification = f.Training.Identification
	}
	return p, nil
}

// Procedure builds the engine procedure for one test kind.
func (c *Config) Procedure(p *Plan, kind engine.Kind) (engine.Procedure, error) {
	switch kind {
	case engine.KindThreshold:
		return engine.NewThreshold(c.Threshold.Params(), p.Threshold)
	case engine.KindDiscrimination:
		return engine.NewDiscrimination(p.Discrimination)
	case engine.KindIdentification:
		return engine.NewIdentification(p.Identification)
	}
	return nil, fmt.Errorf("%w: unknown test %q", ErrInvalid, kind)
}

func (c *Config) Smell(t *training.Trainer, p *Plan) (*training.Smell, error) {
	return training.NewSmell(t, p.Training.Smell, c.SmellCycle())
}

// Scenes builds identification training. Scenes emit with the device periods.
func (c *Config) Scenes(t *training.Trainer, p *Plan) (*training.Scenes, error) {
	return training.NewScenes(t, p.Training.Identification, c.Timing())
}
