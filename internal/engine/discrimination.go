// engine/discrimination.go
package engine

import (
	"fmt"
	"slices"
	"time"
)

// Triad is one odd-one-out trial: three scents and the slot of the odd one.
type Triad struct {
	Scents [3]uint16 `json:"scents" yaml:"scents"`
	Answer int       `json:"answer" yaml:"answer"`
}

// list is the fixed-order trial walk shared by discrimination and
// identification.
type list struct {
	index  int
	done   bool
	trials []Trial
}

func (l *list) reset() { *l = list{} }

// advance moves to the next authored trial, or finishes after the last one.
func (l *list) advance(n int) {
	if l.index+1 < n {
		l.index++
	} else {
		l.done = true
	}
}

func (l *list) summarize(r *Result) {
	for _, t := range l.trials {
		if t.Correct {
			r.Correct++
		}
	}
	r.Score = float64(r.Correct)
	r.Defined = len(l.trials) > 0
	if len(l.trials) > 0 {
		r.Percent = 100 * float64(r.Correct) / float64(len(l.trials))
	}
}

type Discrimination struct {
	items []Triad
	list
}

func NewDiscrimination(items []Triad) (*Discrimination, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: empty discrimination plan", ErrInvalidParams)
	}
	for i, it := range items {
		if it.Answer < 1 || it.Answer > 3 {
			return nil, fmt.Errorf("%w: discrimination trial %d answer %d", ErrInvalidParams, i+1, it.Answer)
		}
	}
	return &Discrimination{items: slices.Clone(items)}, nil
}

func (d *Discrimination) Kind() Kind { return KindDiscrimination }

func (d *Discrimination) Reset() { d.reset() }

func (d *Discrimination) Stimulus() Stimulus {
	it := d.items[d.index]
	return Stimulus{Index: d.index + 1, Slots: it.Scents[:], Options: 3}
}

func (d *Discrimination) Score(response int, elapsed time.Duration) Trial {
	it := d.items[d.index]
	t := Trial{
		Index:    d.index + 1,
		Stimuli:  slices.Clone(it.Scents[:]),
		Expected: it.Answer,
		Response: response,
		Correct:  response == it.Answer,
		ElapsedS: elapsed.Seconds(),
	}
	d.trials = append(d.trials, t)
	d.advance(len(d.items))
	return t
}

func (d *Discrimination) Done() bool { return d.done }

func (d *Discrimination) Trials() []Trial { return slices.Clone(d.trials) }

func (d *Discrimination) Summarize(r *Result) { d.summarize(r) }
