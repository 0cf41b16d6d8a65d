package chaos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libralend/internal/clock"
	"libralend/internal/store/memory"
)

func newTestEngine() *ChaosEngine {
	ce := NewChaosEngine(memory.New(), clock.NewManual(time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)), nil)
	ce.SampleInterval = 5 * time.Millisecond
	ce.Pause = 0
	return ce
}

var quick = Settings{Copies: 2, Borrowers: 12, Members: 10, Sweepers: 4, Duration: 20 * time.Millisecond}

func TestGameDayHypothesesHold(t *testing.T) {
	ctx := context.Background()
	ce := newTestEngine()
	require.NoError(t, ce.RegisterExperiments(ctx, quick))
	require.Len(t, ce.GetExperiments(), 3)

	err := ce.ExecuteGameDay(ctx, GameDay{Name: "test", Date: time.Now(), Scenarios: ce.GetExperiments()})
	require.NoError(t, err)

	for _, r := range ce.Results() {
		assert.True(t, r.SteadyStateValid, r.ExperimentName)
		assert.True(t, r.HypothesisHeld, "%s: %v", r.ExperimentName, r.FailedAssertions)
		assert.Empty(t, r.ErrorEvents, r.ExperimentName)
	}

	v, err := ce.CheckInvariants(ctx)
	require.NoError(t, err)
	assert.Zero(t, v.Total(), v)
}

func TestBorrowRaceOpensOneLoanPerCopy(t *testing.T) {
	ctx := context.Background()
	ce := newTestEngine()
	exp, err := ce.ConcurrentBorrowRace(ctx, 1, 10, 10*time.Millisecond)
	require.NoError(t, err)

	result, err := ce.RunExperiment(ctx, exp)
	require.NoError(t, err)
	assert.True(t, result.HypothesisHeld)
	obs := result.Observations["over_claims"]
	require.NotEmpty(t, obs)
	assert.Zero(t, obs[len(obs)-1].Value)
}

func TestInvalidSteadyStateAborts(t *testing.T) {
	ce := newTestEngine()
	exp := ChaosExperiment{
		Name: "broken",
		SteadyState: []Metric{{
			Name:      "always_failing",
			Query:     func(context.Context) (float64, error) { return 0, errors.New("unreachable") },
			Threshold: Threshold{Operator: "==", Value: 0},
		}},
		Duration: time.Millisecond,
	}

	result, err := ce.RunExperiment(context.Background(), exp)
	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	assert.Len(t, result.Violations, 1)
}

func TestEvaluateThreshold(t *testing.T) {
	assert.True(t, evaluateThreshold(1, Threshold{Operator: ">", Value: 0}))
	assert.True(t, evaluateThreshold(0, Threshold{Operator: "<=", Value: 0}))
	assert.False(t, evaluateThreshold(1, Threshold{Operator: "==", Value: 0}))
	assert.False(t, evaluateThreshold(1, Threshold{Operator: "~", Value: 1}))
}
