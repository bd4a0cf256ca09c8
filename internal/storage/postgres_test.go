package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scentsmart/internal/engine"
	"scentsmart/internal/report"
	"scentsmart/internal/scoring"
	"scentsmart/internal/training"
)

func TestOrdered(t *testing.T) {
	in := []engine.Result{
		{Test: engine.KindIdentification},
		{Test: engine.KindThreshold},
		{Test: engine.KindDiscrimination},
	}
	out := ordered(in)
	assert.Equal(t, []engine.Kind{engine.KindThreshold, engine.KindDiscrimination, engine.KindIdentification},
		[]engine.Kind{out[0].Test, out[1].Test, out[2].Test})
}

func TestStimuliConversion(t *testing.T) {
	assert.Equal(t, []uint16{1, 65535}, toUint16(toInt64([]uint16{1, 65535})))
	assert.Empty(t, toInt64(nil))
}

func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("SCENTCTL_TEST_DSN")
	if dsn == "" {
		t.Skip("SCENTCTL_TEST_DSN not set")
	}
	ctx := context.Background()
	st, err := Open(dsn)
	require.NoError(t, err)
	defer st.Close()
	require.NoError(t, st.Migrate(ctx))

	s := scoring.NewSession()
	s.Record(engine.Result{
		Test: engine.KindThreshold, Score: 5, Defined: true, ElapsedS: 320,
		Trials: []engine.Trial{
			{Index: 1, Stimuli: []uint16{13, 5, 13}, Expected: 2, Response: 2, Correct: true, Level: 5, Label: 8},
			{Index: 2, Stimuli: []uint16{4, 13, 13}, Expected: 1, Response: 3, Correct: false, Level: 4, Label: 9, Reversal: true, ReversalCount: 1},
		},
	})
	s.Record(engine.Result{Test: engine.KindDiscrimination, Correct: 1, Score: 1, Defined: true,
		Trials: []engine.Trial{{Index: 1, Stimuli: []uint16{14, 15, 14}, Expected: 2, Response: 2, Correct: true}}})

	r := report.New(uuid.New(), "db-test", s)
	r.CreatedAt = r.CreatedAt.Truncate(time.Microsecond)
	r.Training = []training.Record{
		{Kind: training.KindSmell, Seq: 1, Name: "rose", Scent: 46, Choice: 1, Rating: 70, At: r.CreatedAt},
		{Kind: training.KindIdentification, Seq: 2, Name: "Which fruit is this?", Scent: 50, Choice: 2, At: r.CreatedAt},
	}
	require.NoError(t, st.Save(ctx, r))
	assert.Error(t, st.Save(ctx, r), "duplicate id")

	got, err := st.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Subject, got.Subject)
	assert.True(t, r.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, r.Scores, got.Scores)
	assert.Equal(t, r.Band, got.Band)
	require.Len(t, got.Tests, 2)
	assert.Equal(t, r.Tests[0].Trials, got.Tests[0].Trials)
	assert.Equal(t, r.Tests[1].Trials, got.Tests[1].Trials)
	require.Len(t, got.Training, 2)
	assert.Equal(t, r.Training[0].Rating, got.Training[0].Rating)
	assert.Equal(t, r.Training[1].Name, got.Training[1].Name)
	assert.True(t, r.Training[1].At.Equal(got.Training[1].At))

	_, err = st.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
