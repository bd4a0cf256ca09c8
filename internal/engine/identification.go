// engine/identification.go
package engine

import (
	"fmt"
	"slices"
	"time"
)

// Item is one identification trial: a single scent and 2 to 4 labelled
// choices. Answer is the 1-based index of the right label.
type Item struct {
	Scent   uint16   `json:"scent" yaml:"scent"`
	Choices []string `json:"choices" yaml:"choices"`
	Answer  int      `json:"answer" yaml:"answer"`
}

type Identification struct {
	items []Item
	list
}

func NewIdentification(items []Item) (*Identification, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty identification plan", ErrInvalidParams)
	}
	for i, it := range items {
		if n := len(it.Choices); n < 2 || n > 4 {
			return nil, fmt.Errorf("%w: identification trial %d has %d choices", ErrInvalidParams, i+1, n)
		}
		if it.Answer < 1 || it.Answer > len(it.Choices) {
			return nil, fmt.Errorf("%w: identification trial %d answer %d", ErrInvalidParams, i+1, it.Answer)
		}
	}
	return &Identification{items: slices.Clone(items)}, nil
}

func (id *Identification) Kind() Kind { return KindIdentification }

func (id *Identification) Reset() { id.reset() }

func (id *Identification) Stimulus() Stimulus {
	it := id.items[id.index]
	return Stimulus{
		Index:   id.index + 1,
		Slots:   []uint16{it.Scent},
		Options: len(it.Choices),
		Labels:  slices.Clone(it.Choices),
	}
}

func (id *Identification) Score(response int, elapsed time.Duration) Trial {
	it := id.items[id.index]
	t := Trial{
		Index:    id.index + 1,
		Stimuli:  []uint16{it.Scent},
		Expected: it.Answer,
		Response: response,
		Correct:  response == it.Answer,
		ElapsedS: elapsed.Seconds(),
	}
	id.trials = append(id.trials, t)
	id.advance(len(id.items))
	return t
}

func (id *Identification) Done() bool { return id.done }

func (id *Identification) Trials() []Trial { return slices.Clone(id.trials) }

func (id *Identification) Summarize(r *Result) {
	id.summarize(r)
	if len(id.trials) > 0 {
		r.Grade = Grade(r.Percent)
	}
}

// Grade maps percent correct onto the 1..5 scale of the results screen.
func Grade(percent float64) int {
	switch {
	case percent > 80:
		return 5
	case percent > 60:
		return 4
	case percent > 40:
		return 3
	case percent > 20:
		return 2
	}
	return 1
}
