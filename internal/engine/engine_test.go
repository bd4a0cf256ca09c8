package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scentsmart/internal/codec"
	"scentsmart/internal/device"
)

type fakeDispenser struct {
	mu     sync.Mutex
	blocks []codec.EmitClean
	err    error
	sent   chan struct{}
}

func newFakeDispenser() *fakeDispenser {
	return &fakeDispenser{sent: make(chan struct{}, 64)}
}

func (f *fakeDispenser) EmitClean(b codec.EmitClean) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.blocks = append(f.blocks, b)
	f.mu.Unlock()
	f.sent <- struct{}{}
	return nil
}

func (f *fakeDispenser) Settings() device.Settings {
	return device.Settings{UnitID: 1, ScentPower: 50, CleaningPower: 60, ScentRunTime: 2, CleaningRunTime: 3, TryScent: 20}
}

func (f *fakeDispenser) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeDispenser) sentBlocks() []codec.EmitClean {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]codec.EmitClean(nil), f.blocks...)
}

// instantTimer records requested durations without sleeping.
type instantTimer struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (it *instantTimer) Sleep(ctx context.Context, d time.Duration) error {
	it.mu.Lock()
	it.waits = append(it.waits, d)
	it.mu.Unlock()
	return ctx.Err()
}

// blockingTimer never expires on its own.
type blockingTimer struct{}

func (blockingTimer) Sleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testTiming = Timing{
	Command:  codec.CmdEmit,
	Emit:     2 * time.Second,
	Settle:   3 * time.Second,
	Interval: time.Second,
}

func triads() []Triad {
	return []Triad{
		{Scents: [3]uint16{1, 2, 1}, Answer: 2},
		{Scents: [3]uint16{3, 3, 4}, Answer: 3},
	}
}

func mustHandle(t *testing.T, e *Engine, a Action) State {
	t.Helper()
	s, err := e.Handle(context.Background(), a)
	require.NoError(t, err, "%s", a.Kind)
	return s
}

func TestEngineDiscriminationRun(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	timer := &instantTimer{}
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var events []Event
	e := New(d, disp, testTiming, WithTimer(timer), WithClock(clock.Now),
		WithListener(func(ev Event) { events = append(events, ev) }))

	assert.Equal(t, StateReady, mustHandle(t, e, Start()))
	assert.Equal(t, StateAwaitingResponse, mustHandle(t, e, Present()))

	blocks := disp.sentBlocks()
	require.Len(t, blocks, 3)
	assert.Equal(t, []uint16{1, 2, 1}, []uint16{blocks[0].ScentNo, blocks[1].ScentNo, blocks[2].ScentNo})
	assert.Equal(t, codec.CmdEmit, blocks[0].Command)
	assert.Equal(t, uint16(50), blocks[0].ScentPumpPower)
	assert.Equal(t, []time.Duration{
		2 * time.Second, 3 * time.Second, time.Second,
		2 * time.Second, 3 * time.Second, time.Second,
		2 * time.Second, 3 * time.Second, time.Second,
	}, timer.waits)

	clock.Advance(4 * time.Second)
	mustHandle(t, e, Select(2))
	assert.Equal(t, StateReady, mustHandle(t, e, Confirm()))

	mustHandle(t, e, Present())
	clock.Advance(6 * time.Second)
	mustHandle(t, e, Select(1))
	assert.Equal(t, StateCompleted, mustHandle(t, e, Confirm()))

	res, ok := e.Result()
	require.True(t, ok)
	assert.False(t, res.Quit)
	assert.Equal(t, KindDiscrimination, res.Test)
	require.Len(t, res.Trials, 2)
	assert.True(t, res.Trials[0].Correct)
	assert.False(t, res.Trials[1].Correct)
	assert.InDelta(t, 4.0, res.Trials[0].ElapsedS, 1e-9)
	assert.InDelta(t, 10.0, res.Trials[1].ElapsedS, 1e-9)
	assert.InDelta(t, 10.0, res.ElapsedS, 1e-9)
	assert.Equal(t, 1.0, res.Score)
	assert.Equal(t, 1, res.Correct)
	assert.InDelta(t, 50.0, res.Percent, 1e-9)

	kinds := []EventKind{}
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		assert.Equal(t, KindDiscrimination, ev.Test)
	}
	assert.Equal(t, []EventKind{TrialPresented, TrialScored, TrialPresented, TrialScored, TestCompleted}, kinds)
	assert.Equal(t, 2, events[2].Stimulus.Index)
	assert.Equal(t, 2, events[3].Trial.Index)
}

func TestEngineRejectsInvalidTransitions(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	e := New(d, newFakeDispenser(), testTiming, WithTimer(&instantTimer{}))
	ctx := context.Background()

	for _, a := range []Action{Present(), Confirm(), Retry(), Quit(), Select(1)} {
		s, err := e.Handle(ctx, a)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s", a.Kind)
		assert.Equal(t, StateIdle, s)
	}

	mustHandle(t, e, Start())
	for _, a := range []Action{Start(), Confirm(), Select(1), Retry()} {
		s, err := e.Handle(ctx, a)
		assert.ErrorIs(t, err, ErrInvalidTransition, "%s", a.Kind)
		assert.Equal(t, StateReady, s)
	}

	mustHandle(t, e, Present())
	s, err := e.Handle(ctx, Confirm())
	assert.ErrorIs(t, err, ErrInvalidTransition, "confirm without a selection")
	assert.Equal(t, StateAwaitingResponse, s)

	_, err = e.Handle(ctx, Select(4))
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = e.Handle(ctx, Select(0))
	assert.ErrorIs(t, err, ErrInvalidResponse)
	_, err = e.Handle(ctx, Present())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Empty(t, d.Trials())

	mustHandle(t, e, Quit())
	_, err = e.Handle(ctx, Quit())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngineSelectToggles(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	e := New(d, newFakeDispenser(), testTiming, WithTimer(&instantTimer{}))
	mustHandle(t, e, Start())
	mustHandle(t, e, Present())

	mustHandle(t, e, Select(2))
	assert.Equal(t, 2, e.Snapshot().Selected)
	mustHandle(t, e, Select(3))
	assert.Equal(t, 3, e.Snapshot().Selected)
	mustHandle(t, e, Select(3))
	assert.Equal(t, 0, e.Snapshot().Selected)

	_, err = e.Handle(context.Background(), Confirm())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEngineRetryRepresentsSameTrial(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	var presented []int
	e := New(d, disp, testTiming, WithTimer(&instantTimer{}), WithListener(func(ev Event) {
		if ev.Kind == TrialPresented {
			presented = append(presented, ev.Stimulus.Index)
		}
	}))

	mustHandle(t, e, Start())
	mustHandle(t, e, Present())
	mustHandle(t, e, Select(1))
	assert.Equal(t, StateReady, mustHandle(t, e, Retry()))
	assert.Equal(t, 0, e.Snapshot().Selected)
	mustHandle(t, e, Present())

	assert.Equal(t, []int{1, 1}, presented)
	assert.Len(t, disp.sentBlocks(), 6)
	assert.Empty(t, d.Trials())
}

func waitSent(t *testing.T, disp *fakeDispenser) {
	t.Helper()
	select {
	case <-disp.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no command sent")
	}
}

func TestEngineQuitDuringPresentation(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	e := New(d, disp, testTiming, WithTimer(blockingTimer{}))
	mustHandle(t, e, Start())

	done := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), Present())
		done <- err
	}()
	waitSent(t, disp)

	assert.Equal(t, StateCompleted, mustHandle(t, e, Quit()))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("presentation did not return")
	}

	assert.Len(t, disp.sentBlocks(), 1, "no command after quit")
	res, ok := e.Result()
	require.True(t, ok)
	assert.True(t, res.Quit)
	assert.Empty(t, res.Trials)
	assert.False(t, res.Defined)
}

func TestEngineRetryDuringPresentation(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	e := New(d, disp, testTiming, WithTimer(blockingTimer{}))
	mustHandle(t, e, Start())

	done := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), Present())
		done <- err
	}()
	waitSent(t, disp)

	assert.Equal(t, StateReady, mustHandle(t, e, Retry()))
	assert.ErrorIs(t, <-done, ErrInterrupted)
	assert.Equal(t, StateReady, e.State())
	assert.Equal(t, 1, e.Snapshot().Stimulus.Index)
}

func TestEngineDeviceFailureEndsTest(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	e := New(d, disp, testTiming, WithTimer(&instantTimer{}))

	mustHandle(t, e, Start())
	mustHandle(t, e, Present())
	mustHandle(t, e, Select(2))
	mustHandle(t, e, Confirm())

	disp.fail(device.ErrNotConnected)
	s, err := e.Handle(context.Background(), Present())
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.Equal(t, StateCompleted, s)

	res, ok := e.Result()
	require.True(t, ok)
	assert.True(t, res.Quit)
	require.Len(t, res.Trials, 1, "scored trials survive the failure")
	assert.True(t, res.Trials[0].Correct)
	assert.Len(t, d.Trials(), 1)
}

func TestEngineCancelledContextEndsTest(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	e := New(d, newFakeDispenser(), testTiming, WithTimer(&instantTimer{}))
	mustHandle(t, e, Start())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := e.Handle(ctx, Present())
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateCompleted, s)
}

func TestEngineThresholdRun(t *testing.T) {
	p := thresholdParams()
	p.TotalTrials = 3
	th, err := NewThreshold(p, []int{2})
	require.NoError(t, err)
	disp := newFakeDispenser()
	e := New(th, disp, testTiming, WithTimer(&instantTimer{}))

	mustHandle(t, e, Start())
	for _, r := range []int{2, 1, 2} {
		mustHandle(t, e, Present())
		mustHandle(t, e, Select(r))
		mustHandle(t, e, Confirm())
	}
	assert.Equal(t, StateCompleted, e.State())

	blocks := disp.sentBlocks()
	require.Len(t, blocks, 9)
	assert.Equal(t, []uint16{13, 5, 13}, []uint16{blocks[0].ScentNo, blocks[1].ScentNo, blocks[2].ScentNo})
	assert.Equal(t, uint16(4), blocks[4].ScentNo)

	res, _ := e.Result()
	assert.Equal(t, KindThreshold, res.Test)
	require.Len(t, res.Trials, 3)
	assert.Equal(t, []int{5, 4, 6}, []int{res.Trials[0].Level, res.Trials[1].Level, res.Trials[2].Level})
}

func newThresholdEngine(t *testing.T, disp *fakeDispenser, timer Timer) *Engine {
	t.Helper()
	th, err := NewThreshold(thresholdParams(), []int{2})
	require.NoError(t, err)
	return New(th, disp, testTiming, WithTimer(timer))
}

func TestEngineTryScentPacesNextPresentation(t *testing.T) {
	disp := newFakeDispenser()
	e := newThresholdEngine(t, disp, blockingTimer{})
	mustHandle(t, e, Start())

	done := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), Try())
		done <- err
	}()
	waitSent(t, disp)

	assert.Equal(t, StatePresenting, e.State())
	_, err := e.Handle(context.Background(), Present())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.Len(t, disp.sentBlocks(), 1, "present must wait for the try scent")
	b := disp.sentBlocks()[0]
	assert.Equal(t, uint16(20), b.ScentNo)
	assert.Equal(t, codec.CmdEmit, b.Command)

	assert.Equal(t, StateReady, mustHandle(t, e, Retry()))
	assert.ErrorIs(t, <-done, ErrInterrupted)
}

func TestEngineTryScentReturnsToReady(t *testing.T) {
	disp := newFakeDispenser()
	timer := &instantTimer{}
	e := newThresholdEngine(t, disp, timer)
	mustHandle(t, e, Start())

	assert.Equal(t, StateReady, mustHandle(t, e, Try()))
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, timer.waits, "emit then interval")
	assert.Empty(t, e.proc.Trials())

	assert.Equal(t, StateAwaitingResponse, mustHandle(t, e, Present()))
	require.Len(t, disp.sentBlocks(), 4)
	assert.Len(t, timer.waits, 2+9)
}

func TestEngineTryScentWhileAwaitingResponse(t *testing.T) {
	disp := newFakeDispenser()
	e := newThresholdEngine(t, disp, &instantTimer{})
	mustHandle(t, e, Start())
	mustHandle(t, e, Present())
	mustHandle(t, e, Select(3))

	assert.Equal(t, StateAwaitingResponse, mustHandle(t, e, Try()))
	assert.Equal(t, 3, e.Snapshot().Selected, "selection survives the try scent")
	assert.Equal(t, uint16(20), disp.sentBlocks()[3].ScentNo)
	assert.Equal(t, StateReady, mustHandle(t, e, Confirm()))
}

func TestEngineTryScentQuitEndsTest(t *testing.T) {
	disp := newFakeDispenser()
	e := newThresholdEngine(t, disp, blockingTimer{})
	mustHandle(t, e, Start())

	done := make(chan error, 1)
	go func() {
		_, err := e.Handle(context.Background(), Try())
		done <- err
	}()
	waitSent(t, disp)
	assert.Equal(t, StateCompleted, mustHandle(t, e, Quit()))
	assert.ErrorIs(t, <-done, ErrInterrupted)
	res, ok := e.Result()
	require.True(t, ok)
	assert.True(t, res.Quit)
}

func TestEngineTryScentOnlyForThreshold(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	disp := newFakeDispenser()
	e := New(d, disp, testTiming, WithTimer(&instantTimer{}))
	mustHandle(t, e, Start())

	s, err := e.Handle(context.Background(), Try())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateReady, s)
	assert.Empty(t, disp.sentBlocks())

	th := newThresholdEngine(t, disp, &instantTimer{})
	_, err = th.Handle(context.Background(), Try())
	assert.ErrorIs(t, err, ErrInvalidTransition, "not before start")
}

func TestDiscriminationEndsAtLastAuthoredTrial(t *testing.T) {
	d, err := NewDiscrimination(triads())
	require.NoError(t, err)
	d.Score(2, 0)
	assert.False(t, d.Done())
	assert.Equal(t, 2, d.Stimulus().Index)
	d.Score(3, 0)
	assert.True(t, d.Done())
	assert.Len(t, d.Trials(), 2)

	var r Result
	d.Summarize(&r)
	assert.Equal(t, 2.0, r.Score)
	assert.True(t, r.Defined)
}

func TestIdentification(t *testing.T) {
	items := []Item{
		{Scent: 21, Choices: []string{"rose", "lemon", "mint", "smoke"}, Answer: 1},
		{Scent: 22, Choices: []string{"coffee", "fish"}, Answer: 2},
		{Scent: 23, Choices: []string{"pine", "garlic", "banana"}, Answer: 3},
	}
	id, err := NewIdentification(items)
	require.NoError(t, err)

	s := id.Stimulus()
	assert.Equal(t, []uint16{21}, s.Slots)
	assert.Equal(t, 4, s.Options)
	assert.Equal(t, items[0].Choices, s.Labels)

	id.Score(1, 0)
	assert.Equal(t, 2, id.Stimulus().Options)
	id.Score(1, 0)
	id.Score(3, 0)
	require.True(t, id.Done())

	var r Result
	id.Summarize(&r)
	assert.Equal(t, 2, r.Correct)
	assert.Equal(t, 2.0, r.Score)
	assert.InDelta(t, 66.67, r.Percent, 0.01)
	assert.Equal(t, 4, r.Grade)

	_, err = NewIdentification([]Item{{Scent: 1, Choices: []string{"a"}, Answer: 1}})
	assert.ErrorIs(t, err, ErrInvalidParams)
	_, err = NewIdentification([]Item{{Scent: 1, Choices: []string{"a", "b"}, Answer: 3}})
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestGrade(t *testing.T) {
	cases := map[float64]int{100: 5, 80.5: 5, 80: 4, 61: 4, 60: 3, 40.1: 3, 40: 2, 21: 2, 20: 1, 0: 1}
	for pct, want := range cases {
		assert.Equal(t, want, Grade(pct), "%v%%", pct)
	}
}
