package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"query-balancer/membership"
	"query-balancer/registry"
)

func setup(t *testing.T, hosts ...string) (*registry.Registry, *Tracker) {
	t.Helper()
	reg := registry.New()
	tr := NewTracker(reg, 3, nil)
	reg.Subscribe(tr.OnMembershipChange)
	for _, h := range hosts {
		reg.ApplyAdd(membership.BackendRecord{Host: h, Port: 8765})
	}
	return reg, tr
}

func id(host string) membership.BackendID {
	return membership.BackendRecord{Host: host, Port: 8765}.ID()
}

func ids(recs []membership.BackendRecord) []membership.BackendID {
	out := make([]membership.BackendID, len(recs))
	for i, r := range recs {
		out[i] = r.ID()
	}
	return out
}

func TestNewBackendStartsTrusted(t *testing.T) {
	_, tr := setup(t, "a", "b")
	require.ElementsMatch(t, []membership.BackendID{id("a"), id("b")}, ids(tr.EligibleSet()))
}

func TestThresholdFlipsEligibility(t *testing.T) {
	_, tr := setup(t, "a", "b")

	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	require.Contains(t, ids(tr.EligibleSet()), id("a"), "below threshold, still eligible")

	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	require.NotContains(t, ids(tr.EligibleSet()), id("a"), "threshold reached, excluded immediately")

	st, ok := tr.Stats(id("a"))
	require.True(t, ok)
	require.Equal(t, 3, st.Streak)
	require.False(t, st.Eligible)
}

func TestSingleSuccessRestores(t *testing.T) {
	_, tr := setup(t, "a", "b")
	for i := 0; i < 3; i++ {
		tr.OnCallOutcome(id("a"), false, time.Millisecond)
	}
	require.NotContains(t, ids(tr.EligibleSet()), id("a"))

	tr.OnCallOutcome(id("a"), true, time.Millisecond)
	require.Contains(t, ids(tr.EligibleSet()), id("a"), "one success restores eligibility")

	st, _ := tr.Stats(id("a"))
	require.Zero(t, st.Streak)
}

func TestSuccessResetsStreakBeforeThreshold(t *testing.T) {
	_, tr := setup(t, "a")
	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	tr.OnCallOutcome(id("a"), true, time.Millisecond)
	tr.OnCallOutcome(id("a"), false, time.Millisecond)
	tr.OnCallOutcome(id("a"), false, time.Millisecond)

	// Streak never reached 3 in a row.
	require.Contains(t, ids(tr.EligibleSet()), id("a"))
}

func TestRemovalForcesIneligibility(t *testing.T) {
	reg, tr := setup(t, "a", "b")

	reg.ApplyRemove(id("b"))
	require.NotContains(t, ids(tr.EligibleSet()), id("b"))

	// Its health state is gone too, not just masked.
	_, ok := tr.Stats(id("b"))
	require.False(t, ok)
}

func TestOutcomeForDepartedBackendIgnored(t *testing.T) {
	reg, tr := setup(t, "a", "b")
	reg.ApplyRemove(id("b"))

	// A racing outcome for the departed backend must not resurrect it.
	tr.OnCallOutcome(id("b"), false, time.Millisecond)
	_, ok := tr.Stats(id("b"))
	require.False(t, ok)
	require.NotContains(t, ids(tr.EligibleSet()), id("b"))
}

func TestEligibleSetIsMembershipIntersection(t *testing.T) {
	reg, tr := setup(t, "a", "b", "c")
	for i := 0; i < 3; i++ {
		tr.OnCallOutcome(id("c"), false, time.Millisecond)
	}
	reg.ApplyRemove(id("a"))

	// a left membership, c failed health: only b remains.
	require.Equal(t, []membership.BackendID{id("b")}, ids(tr.EligibleSet()))
}

func TestCountersAccumulate(t *testing.T) {
	_, tr := setup(t, "a")
	tr.OnCallOutcome(id("a"), true, time.Millisecond)
	tr.OnCallOutcome(id("a"), true, time.Millisecond)
	tr.OnCallOutcome(id("a"), false, time.Millisecond)

	st, ok := tr.Stats(id("a"))
	require.True(t, ok)
	require.EqualValues(t, 2, st.Successes)
	require.EqualValues(t, 1, st.Failures)
	require.False(t, st.LastFailure.IsZero())
}

type fakeGauge struct{ v float64 }

func (g *fakeGauge) Set(v float64) { g.v = v }

func TestEligibleGauge(t *testing.T) {
	reg := registry.New()
	tr := NewTracker(reg, 3, nil)
	g := &fakeGauge{}
	tr.SetEligibleGauge(g)
	reg.Subscribe(tr.OnMembershipChange)

	reg.ApplyAdd(membership.BackendRecord{Host: "a", Port: 8765})
	reg.ApplyAdd(membership.BackendRecord{Host: "b", Port: 8765})
	require.Equal(t, 2.0, g.v)

	for i := 0; i < 3; i++ {
		tr.OnCallOutcome(id("a"), false, time.Millisecond)
	}
	require.Equal(t, 1.0, g.v)
}
