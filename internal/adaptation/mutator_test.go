package adaptation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avlonitis/vigil/internal/clock"
	"github.com/avlonitis/vigil/internal/config"
	"github.com/avlonitis/vigil/internal/database"
	"github.com/avlonitis/vigil/internal/journal"
	"github.com/avlonitis/vigil/internal/policy"
	"github.com/avlonitis/vigil/pkg/logger"
)

type fixture struct {
	mutator *Mutator
	journal *journal.Repository
	state   *policy.StateRepository
	clock   *clock.Fake
}

func setupMutator(t *testing.T) *fixture {
	t.Helper()
	db, err := database.New(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	jr := journal.NewRepository(db.Conn(), logger.Discard())
	sr := policy.NewStateRepository(db.Conn(), logger.Discard())

	cfg := config.AutonomyConfig{
		Enabled:             true,
		MaxTradesPerScan:    3,
		ScanIntervalSeconds: 900,
		MinEdge:             0.05,
	}
	return &fixture{
		mutator: New(cfg, 5, jr, sr, clk, logger.Discard()),
		journal: jr,
		state:   sr,
		clock:   clk,
	}
}

func (f *fixture) appendResolved(t *testing.T, thesisCorrect bool) {
	t.Helper()
	v := thesisCorrect
	_, err := f.journal.Append(journal.Entry{
		Symbol:        "BTC",
		Outcome:       journal.OutcomeExecuted,
		ThesisCorrect: &v,
	})
	require.NoError(t, err)
}

func (f *fixture) appendOutcome(t *testing.T, outcome journal.Outcome) {
	t.Helper()
	_, err := f.journal.Append(journal.Entry{Symbol: "BTC", Outcome: outcome})
	require.NoError(t, err)
}

func TestObservationForcing(t *testing.T) {
	f := setupMutator(t)

	// Oldest to newest: true, false, true, false, false.
	for _, thesis := range []bool{true, false, true, false, false} {
		f.appendResolved(t, thesis)
	}

	res, err := f.mutator.Reflect()
	require.NoError(t, err)
	assert.True(t, res.ObservationForced)
	assert.Contains(t, res.Reason, "3 of last 5 theses false")

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	require.NotNil(t, state)
	require.NotNil(t, state.ObservationOnlyUntil)
	assert.Equal(t, f.clock.Now().Add(900*time.Second), *state.ObservationOnlyUntil)
	assert.True(t, state.InObservation(f.clock.Now()))
}

func TestObservationNotForcedBelowThreshold(t *testing.T) {
	f := setupMutator(t)

	for _, thesis := range []bool{true, false, true, false, true} {
		f.appendResolved(t, thesis)
	}

	res, err := f.mutator.Reflect()
	require.NoError(t, err)
	assert.False(t, res.ObservationForced)

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	assert.Nil(t, state, "no mutation means no state row")
}

func TestObservationExpiryOnlyExtends(t *testing.T) {
	f := setupMutator(t)
	for i := 0; i < 5; i++ {
		f.appendResolved(t, false)
	}

	res, err := f.mutator.Reflect()
	require.NoError(t, err)
	require.True(t, res.ObservationForced)
	first := f.clock.Now().Add(900 * time.Second)

	// A replay later in the window extends the expiry forward.
	f.clock.Advance(5 * time.Minute)
	res, err = f.mutator.Reflect()
	require.NoError(t, err)
	require.True(t, res.ObservationForced)

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	require.NotNil(t, state.ObservationOnlyUntil)
	assert.Equal(t, f.clock.Now().Add(900*time.Second), *state.ObservationOnlyUntil)
	assert.True(t, state.ObservationOnlyUntil.After(first))

	// A pre-existing longer expiry is never pulled back.
	far := f.clock.Now().Add(24 * time.Hour)
	state.ObservationOnlyUntil = &far
	require.NoError(t, f.state.Upsert(*state))

	res, err = f.mutator.Reflect()
	require.NoError(t, err)
	require.True(t, res.ObservationForced)

	state, err = f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, far, *state.ObservationOnlyUntil)
}

func TestAdaptiveTightening(t *testing.T) {
	f := setupMutator(t)

	// Six entries, five failed: ratio 5/6 over the minimum entry count.
	f.appendOutcome(t, journal.OutcomeExecuted)
	for i := 0; i < 5; i++ {
		f.appendOutcome(t, journal.OutcomeFailed)
	}

	res, err := f.mutator.Reflect()
	require.NoError(t, err)
	assert.True(t, res.Tightened)
	assert.False(t, res.ObservationForced)

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	require.NotNil(t, state.MinEdgeOverride)
	assert.InDelta(t, 0.06, *state.MinEdgeOverride, 1e-9)
	require.NotNil(t, state.MaxTradesPerScanOverride)
	assert.Equal(t, 2, *state.MaxTradesPerScanOverride)
	require.NotNil(t, state.LeverageCapOverride)
	assert.Equal(t, 4, *state.LeverageCapOverride)
}

func TestTighteningConvergesAtBounds(t *testing.T) {
	f := setupMutator(t)
	for i := 0; i < 10; i++ {
		f.appendOutcome(t, journal.OutcomeFailed)
	}

	// Enough passes to hit every floor and the min-edge ceiling.
	for i := 0; i < 20; i++ {
		_, err := f.mutator.Reflect()
		require.NoError(t, err)
	}

	state, err := f.state.Get(policy.SessionDate(f.clock.Now()))
	require.NoError(t, err)
	assert.InDelta(t, 0.20, *state.MinEdgeOverride, 1e-9)
	assert.Equal(t, 1, *state.MaxTradesPerScanOverride)
	assert.Equal(t, 1, *state.LeverageCapOverride)
}

func TestTighteningNeedsEnoughEntries(t *testing.T) {
	f := setupMutator(t)
	for i := 0; i < 5; i++ {
		f.appendOutcome(t, journal.OutcomeFailed)
	}

	res, err := f.mutator.Reflect()
	require.NoError(t, err)
	assert.False(t, res.Tightened, "five entries is below the minimum window")
}
