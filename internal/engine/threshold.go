// engine/threshold.go
package engine

import (
	"fmt"
	"slices"
	"time"
)

// ThresholdParams configure the dilution staircase.
type ThresholdParams struct {
	MaxLevel        int    `json:"max_level"`
	MaxReversals    int    `json:"max_reversals"`
	ScoredReversals int    `json:"scored_reversals"`
	TotalTrials     int    `json:"total_trials"`
	StartLevel      int    `json:"start_level"`
	ScentOffset     uint16 `json:"scent_offset"`
	BlankScent      uint16 `json:"blank_scent"`
}

func (p ThresholdParams) Validate() error {
	switch {
	case p.MaxLevel < 1:
		return fmt.Errorf("%w: max_level %d", ErrInvalidParams, p.MaxLevel)
	case p.MaxReversals < 1:
		return fmt.Errorf("%w: max_reversals %d", ErrInvalidParams, p.MaxReversals)
	case p.ScoredReversals < 1 || p.ScoredReversals > p.MaxReversals:
		return fmt.Errorf("%w: scored_reversals %d not in 1..%d", ErrInvalidParams, p.ScoredReversals, p.MaxReversals)
	case p.TotalTrials < 1:
		return fmt.Errorf("%w: total_trials %d", ErrInvalidParams, p.TotalTrials)
	case p.StartLevel < 1 || p.StartLevel > p.MaxLevel:
		return fmt.Errorf("%w: start_level %d not in 1..%d", ErrInvalidParams, p.StartLevel, p.MaxLevel)
	}
	return nil
}

// ThresholdState is the running state of one staircase.
type ThresholdState struct {
	ElapsedS    float64 `json:"time_elapsed_s"`
	TrialIndex  int     `json:"trial_index"`
	Level       int     `json:"current_level"`
	LastCorrect *bool   `json:"last_correct,omitempty"`
	Reversals   int     `json:"reversal_count"`
	Trials      []Trial `json:"trials"`
}

// Threshold is a three-slot forced-choice staircase, one down on a correct
// answer and two up on a miss.
type Threshold struct {
	params  ThresholdParams
	targets []int
	st      ThresholdState
}

// NewThreshold takes the target slot (1..3) of each trial. Trials beyond the
// plan reuse it from the start.
func NewThreshold(p ThresholdParams, targets []int) (*Threshold, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: empty threshold plan", ErrInvalidParams)
	}
	for i, t := range targets {
		if t < 1 || t > 3 {
			return nil, fmt.Errorf("%w: trial %d target slot %d", ErrInvalidParams, i+1, t)
		}
	}
	th := &Threshold{params: p, targets: slices.Clone(targets)}
	th.Reset()
	return th, nil
}

func (th *Threshold) Kind() Kind { return KindThreshold }

func (th *Threshold) Params() ThresholdParams { return th.params }

func (th *Threshold) Reset() {
	th.st = ThresholdState{Level: th.params.StartLevel}
}

// State returns a copy of the running state.
func (th *Threshold) State() ThresholdState {
	st := th.st
	st.Trials = slices.Clone(th.st.Trials)
	if th.st.LastCorrect != nil {
		lc := *th.st.LastCorrect
		st.LastCorrect = &lc
	}
	return st
}

func (th *Threshold) target() int {
	return th.targets[th.st.TrialIndex%len(th.targets)]
}

func (th *Threshold) Stimulus() Stimulus {
	slots := []uint16{th.params.BlankScent, th.params.BlankScent, th.params.BlankScent}
	slots[th.target()-1] = uint16(th.st.Level) + th.params.ScentOffset
	return Stimulus{
		Index:   th.st.TrialIndex + 1,
		Slots:   slots,
		Options: 3,
		Level:   th.st.Level,
	}
}

func (th *Threshold) Score(response int, elapsed time.Duration) Trial {
	p := th.params
	target := th.target()
	correct := response == target

	// a boundary level counts as a reversal only when the direction did not change
	reversal := false
	if lc := th.st.LastCorrect; lc != nil && correct != *lc {
		reversal = true
	} else if lc != nil && (th.st.Level == p.MaxLevel || th.st.Level == 1) {
		reversal = true
	}
	if reversal {
		th.st.Reversals++
	}

	t := Trial{
		Index:         th.st.TrialIndex + 1,
		Stimuli:       th.Stimulus().Slots,
		Expected:      target,
		Response:      response,
		Correct:       correct,
		Level:         th.st.Level,
		Label:         p.MaxLevel - th.st.Level + 1,
		Reversal:      reversal,
		ReversalCount: th.st.Reversals,
		ElapsedS:      elapsed.Seconds(),
	}
	th.st.Trials = append(th.st.Trials, t)
	th.st.LastCorrect = &correct
	th.st.ElapsedS = t.ElapsedS
	th.st.TrialIndex++

	if correct {
		th.st.Level = max(1, th.st.Level-1)
	} else {
		th.st.Level = min(p.MaxLevel, th.st.Level+2)
	}
	return t
}

// Done fires on whichever bound is reached first.
func (th *Threshold) Done() bool {
	return th.st.TrialIndex >= th.params.TotalTrials || th.st.Reversals >= th.params.MaxReversals
}

func (th *Threshold) Trials() []Trial { return slices.Clone(th.st.Trials) }

// Summarize averages the labels of the last ScoredReversals reversals.
func (th *Threshold) Summarize(r *Result) {
	cut := th.params.MaxReversals - th.params.ScoredReversals
	sum, n := 0, 0
	for _, t := range th.st.Trials {
		if t.Correct {
			r.Correct++
		}
		if t.Reversal && t.ReversalCount > cut {
			sum += t.Label
			n++
		}
	}
	if len(th.st.Trials) > 0 {
		r.Percent = 100 * float64(r.Correct) / float64(len(th.st.Trials))
	}
	if n > 0 {
		r.Score = float64(sum) / float64(n)
		r.Defined = true
	}
}
