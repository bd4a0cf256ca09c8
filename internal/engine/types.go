// engine/types.go
package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTransition = errors.New("engine: invalid transition")
	ErrInvalidParams     = errors.New("engine: invalid parameters")
	ErrInvalidResponse   = errors.New("engine: invalid response")
	ErrInterrupted       = errors.New("engine: presentation interrupted")
)

// Kind names a test procedure.
type Kind string

const (
	KindThreshold      Kind = "threshold"
	KindDiscrimination Kind = "discrimination"
	KindIdentification Kind = "identification"
)

type State int

const (
	StateIdle State = iota
	StateReady
	StatePresenting
	StateAwaitingResponse
	StateScored
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StatePresenting:
		return "presenting"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateScored:
		return "scored"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type ActionKind int

const (
	ActStart ActionKind = iota
	ActPresent
	ActSelect
	ActConfirm
	ActRetry
	ActQuit
	ActTry
)

var actionNames = [...]string{"start", "present", "select", "confirm", "retry", "quit", "try"}

func (a ActionKind) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// Action is an operator input. Choice is only read by ActSelect.
type Action struct {
	Kind   ActionKind
	Choice int
}

func Start() Action            { return Action{Kind: ActStart} }
func Present() Action          { return Action{Kind: ActPresent} }
func Select(choice int) Action { return Action{Kind: ActSelect, Choice: choice} }
func Confirm() Action          { return Action{Kind: ActConfirm} }
func Retry() Action            { return Action{Kind: ActRetry} }
func Quit() Action             { return Action{Kind: ActQuit} }

// Try emits the familiarization scent of a threshold test. It runs like a
// presentation and returns to the state it started from.
func Try() Action { return Action{Kind: ActTry} }

// Stimulus is what one trial presents. Slots are delivered in order, one
// scent number each.
type Stimulus struct {
	Index   int      `json:"index"`
	Slots   []uint16 `json:"slots"`
	Options int      `json:"options"`
	Labels  []string `json:"labels,omitempty"`
	Level   int      `json:"level,omitempty"`
}

// Trial is one scored entry of the trial log. Level, Label, Reversal and
// ReversalCount are only set by the threshold procedure.
type Trial struct {
	Index         int      `json:"index"`
	Stimuli       []uint16 `json:"stimuli"`
	Expected      int      `json:"expected"`
	Response      int      `json:"response"`
	Correct       bool     `json:"correct"`
	Level         int      `json:"level,omitempty"`
	Label         int      `json:"threshold_label,omitempty"`
	Reversal      bool     `json:"reversal,omitempty"`
	ReversalCount int      `json:"reversal_count,omitempty"`
	ElapsedS      float64  `json:"time_elapsed_s"`
}

// Result closes a test. Defined is false when the procedure could not derive
// a score, which is not the same as scoring zero.
type Result struct {
	Test     Kind    `json:"test"`
	Trials   []Trial `json:"trials"`
	Quit     bool    `json:"quit"`
	ElapsedS float64 `json:"time_elapsed_s"`
	Score    float64 `json:"score"`
	Defined  bool    `json:"defined"`
	Correct  int     `json:"correct"`
	Percent  float64 `json:"percent"`
	Grade    int     `json:"grade,omitempty"`
}

type EventKind int

const (
	TrialPresented EventKind = iota
	TrialScored
	TestCompleted
)

func (k EventKind) String() string {
	return [...]string{"trial_presented", "trial_scored", "test_completed"}[k]
}

// Event is delivered to listeners after the engine lock is released.
type Event struct {
	Kind     EventKind
	Test     Kind
	At       time.Time
	Stimulus *Stimulus
	Trial    *Trial
	Result   *Result
}

type Listener func(Event)

// Procedure is the test-specific part of a run: what to present next and how
// to score a response.
type Procedure interface {
	Kind() Kind
	Reset()
	Stimulus() Stimulus
	Score(response int, elapsed time.Duration) Trial
	Done() bool
	Trials() []Trial
	Summarize(r *Result)
}
