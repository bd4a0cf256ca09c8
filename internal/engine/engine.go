// Package engine runs olfactory tests as a present, respond, score state
// machine. One Engine drives one Procedure for one test run.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"scentsmart/internal/codec"
)

type presentation struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Engine struct {
	mu        sync.Mutex
	proc      Procedure
	dev       Dispenser
	timing    Timing
	timer     Timer
	now       func() time.Time
	listeners []Listener

	state      State
	selected   int
	started    time.Time
	result     *Result
	presenting *presentation
	outbox     []Event
}

type Option func(*Engine)

func WithTimer(t Timer) Option {
	return func(e *Engine) { e.timer = t }
}

// WithClock replaces time.Now for elapsed-time stamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithListener(l Listener) Option {
	return func(e *Engine) { e.listeners = append(e.listeners, l) }
}

func New(p Procedure, dev Dispenser, timing Timing, opts ...Option) *Engine {
	e := &Engine{
		proc:   p,
		dev:    dev,
		timing: timing,
		timer:  wallTimer{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Kind() Kind { return e.proc.Kind() }

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Result is set once the engine is Completed.
func (e *Engine) Result() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result == nil {
		return Result{}, false
	}
	return *e.result, true
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	Test     Kind      `json:"test"`
	State    State     `json:"state"`
	Selected int       `json:"selected,omitempty"`
	Scored   int       `json:"scored"`
	Stimulus *Stimulus `json:"stimulus,omitempty"`
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{
		Test:     e.proc.Kind(),
		State:    e.state,
		Selected: e.selected,
		Scored:   len(e.proc.Trials()),
	}
	if e.state != StateIdle && e.state != StateCompleted {
		stim := e.proc.Stimulus()
		s.Stimulus = &stim
	}
	return s
}

// Handle applies one action and returns the state it leaves the engine in.
// Present and Try block until every phase has run; Retry and Quit may be sent
// from another goroutine to cut them short, and the cut call returns
// ErrInterrupted. A rejected action leaves the state unchanged.
func (e *Engine) Handle(ctx context.Context, a Action) (State, error) {
	if a.Kind == ActPresent || a.Kind == ActTry {
		return e.present(ctx, a)
	}

	e.mu.Lock()
	wait, err := e.apply(a)
	state := e.state
	events := e.drain()
	e.mu.Unlock()

	e.dispatch(events)
	if wait != nil {
		// let the interrupted presentation finish its in-flight command
		<-wait
	}
	return state, err
}

func (e *Engine) apply(a Action) (<-chan struct{}, error) {
	var wait <-chan struct{}
	switch a.Kind {
	case ActStart:
		if e.state != StateIdle {
			return nil, e.invalid(a)
		}
		e.proc.Reset()
		e.started = e.now()
		e.selected = 0
		e.transition(StateReady)

	case ActSelect:
		if e.state != StateAwaitingResponse {
			return nil, e.invalid(a)
		}
		n := e.proc.Stimulus().Options
		if a.Choice < 1 || a.Choice > n {
			return nil, fmt.Errorf("%w: choice %d of %d", ErrInvalidResponse, a.Choice, n)
		}
		if e.selected == a.Choice {
			e.selected = 0
		} else {
			e.selected = a.Choice
		}

	case ActConfirm:
		if e.state != StateAwaitingResponse || e.selected == 0 {
			return nil, e.invalid(a)
		}
		t := e.proc.Score(e.selected, e.elapsed())
		e.selected = 0
		e.transition(StateScored)
		log.Info().
			Str("test", string(e.proc.Kind())).
			Int("trial", t.Index).
			Int("expected", t.Expected).
			Int("response", t.Response).
			Bool("correct", t.Correct).
			Msg("trial scored")
		e.emit(Event{Kind: TrialScored, Trial: &t})
		if e.proc.Done() {
			e.complete(false)
		} else {
			e.transition(StateReady)
		}

	case ActRetry:
		switch e.state {
		case StatePresenting:
			wait = e.interrupt()
		case StateAwaitingResponse:
		default:
			return nil, e.invalid(a)
		}
		e.selected = 0
		e.transition(StateReady)

	case ActQuit:
		if e.state == StateIdle || e.state == StateCompleted {
			return nil, e.invalid(a)
		}
		if e.state == StatePresenting {
			wait = e.interrupt()
		}
		e.selected = 0
		e.complete(true)

	default:
		return nil, e.invalid(a)
	}
	return wait, nil
}

func (e *Engine) present(ctx context.Context, a Action) (State, error) {
	e.mu.Lock()
	resume, err := e.presentable(a)
	if err != nil {
		state := e.state
		e.mu.Unlock()
		return state, err
	}
	pctx, cancel := context.WithCancel(ctx)
	p := &presentation{cancel: cancel, done: make(chan struct{})}
	e.presenting = p

	var (
		cmd    = e.timing.Command
		slots  []uint16
		phases = e.timing.phases()
	)
	if a.Kind == ActTry {
		// emit only, so there is nothing to settle
		cmd = codec.CmdEmit
		slots = []uint16{e.dev.Settings().TryScent}
		phases = []time.Duration{e.timing.Emit, e.timing.Interval}
		log.Info().Str("test", string(e.proc.Kind())).Uint16("scent", slots[0]).Msg("try scent")
	} else {
		stim := e.proc.Stimulus()
		slots = stim.Slots
		e.emit(Event{Kind: TrialPresented, Stimulus: &stim})
	}
	e.transition(StatePresenting)
	events := e.drain()
	e.mu.Unlock()
	e.dispatch(events)

	err = e.deliver(pctx, cmd, slots, phases)
	cancel()

	e.mu.Lock()
	switch {
	case e.presenting != p:
		err = ErrInterrupted
	case err == nil:
		e.presenting = nil
		e.transition(resume)
	default:
		e.presenting = nil
		log.Error().Err(err).Str("test", string(e.proc.Kind())).Stringer("action", a.Kind).Msg("presentation failed, ending test")
		e.complete(true)
		err = fmt.Errorf("engine: presentation aborted: %w", err)
	}
	state := e.state
	events = e.drain()
	e.mu.Unlock()

	close(p.done)
	e.dispatch(events)
	return state, err
}

// presentable returns the state a successful Present or Try leads to.
func (e *Engine) presentable(a Action) (State, error) {
	if a.Kind == ActTry {
		if e.proc.Kind() != KindThreshold {
			return e.state, fmt.Errorf("%w: try scent is only offered by the threshold test", ErrInvalidTransition)
		}
		if e.state != StateReady && e.state != StateAwaitingResponse {
			return e.state, e.invalid(a)
		}
		return e.state, nil
	}
	if e.state != StateReady {
		return e.state, e.invalid(a)
	}
	return StateAwaitingResponse, nil
}

// deliver sends one command per slot and waits out the phases after each.
// Once ctx is done no further command is issued.
func (e *Engine) deliver(ctx context.Context, cmd codec.Command, slots []uint16, phases []time.Duration) error {
	settings := e.dev.Settings()
	for i, scent := range slots {
		if err := ctx.Err(); err != nil {
			return err
		}
		log.Debug().Int("slot", i+1).Uint16("scent", scent).Msg("presenting slot")
		if err := e.dev.EmitClean(settings.Block(cmd, scent)); err != nil {
			return err
		}
		for _, d := range phases {
			if err := e.timer.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) interrupt() <-chan struct{} {
	p := e.presenting
	e.presenting = nil
	p.cancel()
	return p.done
}

func (e *Engine) complete(quit bool) {
	r := Result{
		Test:     e.proc.Kind(),
		Trials:   e.proc.Trials(),
		Quit:     quit,
		ElapsedS: e.elapsed().Seconds(),
	}
	e.proc.Summarize(&r)
	e.result = &r
	e.transition(StateCompleted)
	log.Info().
		Str("test", string(r.Test)).
		Bool("quit", quit).
		Int("trials", len(r.Trials)).
		Float64("score", r.Score).
		Bool("defined", r.Defined).
		Msg("test completed")
	e.emit(Event{Kind: TestCompleted, Result: &r})
}

func (e *Engine) transition(to State) {
	log.Debug().
		Str("test", string(e.proc.Kind())).
		Stringer("from", e.state).
		Stringer("to", to).
		Msg("transition")
	e.state = to
}

func (e *Engine) invalid(a Action) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, a.Kind, e.state)
}

func (e *Engine) elapsed() time.Duration {
	if e.started.IsZero() {
		return 0
	}
	return e.now().Sub(e.started)
}

func (e *Engine) emit(ev Event) {
	ev.Test = e.proc.Kind()
	ev.At = e.now()
	e.outbox = append(e.outbox, ev)
}

func (e *Engine) drain() []Event {
	out := e.outbox
	e.outbox = nil
	return out
}

func (e *Engine) dispatch(events []Event) {
	for _, ev := range events {
		for _, l := range e.listeners {
			l(ev)
		}
	}
}
