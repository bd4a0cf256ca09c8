package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"scentsmart/internal/engine"
)

func trials(correct ...bool) []engine.Trial {
	out := make([]engine.Trial, len(correct))
	for i, c := range correct {
		out[i] = engine.Trial{Index: i + 1, Correct: c}
	}
	return out
}

func TestCompositeIsSum(t *testing.T) {
	s := NewSession()
	s.Record(engine.Result{Test: engine.KindThreshold, Score: 7.5, Defined: true, Trials: trials(true)})
	s.Record(engine.Result{Test: engine.KindDiscrimination, Correct: 9, Trials: trials(true)})
	s.Record(engine.Result{Test: engine.KindIdentification, Correct: 10, Trials: trials(true)})

	sc := s.Scores()
	assert.Equal(t, 7.5, sc.Threshold)
	assert.True(t, sc.ThresholdDefined)
	assert.Equal(t, 9, sc.Discrimination)
	assert.Equal(t, 10, sc.Identification)
	assert.Equal(t, 26.5, sc.Composite)
	assert.Equal(t, BandNormal, s.Band())
}

func TestCompositeWithMissingTests(t *testing.T) {
	s := NewSession()
	s.Record(engine.Result{Test: engine.KindDiscrimination, Correct: 8, Trials: trials(true, false)})
	sc := s.Scores()
	assert.Equal(t, 8.0, sc.Composite)
	assert.False(t, sc.ThresholdDefined)
	assert.Equal(t, BandLoss, s.Band())

	// an undefined threshold score adds nothing
	s.Record(engine.Result{Test: engine.KindThreshold, Score: 3, Defined: false, Trials: trials(true)})
	assert.Equal(t, 8.0, s.Scores().Composite)
	assert.Equal(t, 0.0, s.Scores().Threshold)
}

func TestBands(t *testing.T) {
	assert.Equal(t, BandNormal, Classify(21.5, 1))
	assert.Equal(t, BandReduced, Classify(21, 1))
	assert.Equal(t, BandReduced, Classify(14.5, 1))
	assert.Equal(t, BandLoss, Classify(14.4, 1))
	assert.Equal(t, BandLoss, Classify(0, 3))
	assert.Equal(t, BandNoData, Classify(0, 0))
	assert.Equal(t, BandNoData, NewSession().Band())
}

func TestListenerRecordsCompletedTests(t *testing.T) {
	s := NewSession()
	l := s.Listener()
	l(engine.Event{Kind: engine.TrialScored, Trial: &engine.Trial{}})
	assert.Empty(t, s.Results())

	l(engine.Event{Kind: engine.TestCompleted, Result: &engine.Result{Test: engine.KindIdentification, Correct: 2}})
	l(engine.Event{Kind: engine.TestCompleted, Result: &engine.Result{Test: engine.KindThreshold, Defined: true, Score: 4}})
	got := s.Results()
	if assert.Len(t, got, 2) {
		assert.Equal(t, engine.KindThreshold, got[0].Test)
		assert.Equal(t, engine.KindIdentification, got[1].Test)
	}

	// a rerun replaces the earlier result
	l(engine.Event{Kind: engine.TestCompleted, Result: &engine.Result{Test: engine.KindIdentification, Correct: 5}})
	assert.Equal(t, 9.0, s.Scores().Composite)
}
