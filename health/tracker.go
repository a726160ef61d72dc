// Package health decides per-backend eligibility by blending two truths:
// membership (the coordination service vouches the backend exists) and
// observed call outcomes (the backend actually answers). A backend can be
// registered yet failing faster than its lease would expire; the tracker
// closes that gap without ever overriding membership in the other direction.
package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"query-balancer/membership"
	"query-balancer/registry"
)

// DefaultFailureThreshold is the consecutive-failure streak that flips a
// backend ineligible when no threshold is configured.
const DefaultFailureThreshold = 3

// Source provides the current membership snapshot. *registry.Registry
// satisfies it.
type Source interface {
	Current() *registry.Snapshot
}

// Gauge receives the eligible-backend count whenever it changes.
// prometheus.Gauge satisfies it.
type Gauge interface {
	Set(float64)
}

// Stats is a read-only copy of one backend's health counters.
type Stats struct {
	Successes   int64
	Failures    int64
	Streak      int // consecutive failures
	LastFailure time.Time
	Eligible    bool
}

type backendState struct {
	successes   int64
	failures    int64
	streak      int
	lastFailure time.Time
	eligible    bool
}

// Tracker maintains per-backend health state from dispatcher-reported call
// outcomes and registry membership changes.
type Tracker struct {
	mu        sync.RWMutex
	states    map[membership.BackendID]*backendState
	threshold int
	source    Source
	logger    *zap.Logger
	gauge     Gauge // optional
}

// NewTracker creates a tracker over the given membership source.
// threshold <= 0 selects DefaultFailureThreshold.
func NewTracker(source Source, threshold int, logger *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		states:    make(map[membership.BackendID]*backendState),
		threshold: threshold,
		source:    source,
		logger:    logger.Named("health"),
	}
}

// SetEligibleGauge wires an optional gauge that tracks the eligible-backend
// count. Must be called before outcomes start flowing.
func (t *Tracker) SetEligibleGauge(g Gauge) {
	t.gauge = g
}

// OnMembershipChange prunes state for backends that left the snapshot and
// creates fresh state for new ones. A new backend starts trusted
// (eligible, zero counters): the coordination service already vouches for
// it. Removal forces immediate ineligibility regardless of counters simply
// by dropping the state — an absent backend is never offered.
func (t *Tracker) OnMembershipChange(snap *registry.Snapshot) {
	t.mu.Lock()
	for id := range t.states {
		if !snap.Has(id) {
			delete(t.states, id)
		}
	}
	for _, id := range snap.IDs() {
		if _, ok := t.states[id]; !ok {
			t.states[id] = &backendState{eligible: true}
		}
	}
	t.mu.Unlock()
	t.updateGauge()
}

// OnCallOutcome updates the rolling counters for one forwarding attempt.
// A streak of threshold consecutive failures flips the backend ineligible;
// a single success resets the streak and restores eligibility immediately.
// The recovery bias is deliberate: a false negative costs one retried call,
// starving a recovered backend costs its whole capacity.
func (t *Tracker) OnCallOutcome(id membership.BackendID, success bool, latency time.Duration) {
	t.mu.Lock()
	st, ok := t.states[id]
	if !ok {
		// Outcome raced a membership change. Only resurrect state for
		// backends that are still members.
		if !t.source.Current().Has(id) {
			t.mu.Unlock()
			return
		}
		st = &backendState{eligible: true}
		t.states[id] = st
	}

	var flipped bool
	if success {
		st.successes++
		st.streak = 0
		if !st.eligible {
			st.eligible = true
			flipped = true
		}
	} else {
		st.failures++
		st.streak++
		st.lastFailure = time.Now()
		if st.eligible && st.streak >= t.threshold {
			st.eligible = false
			flipped = true
		}
	}
	eligible := st.eligible
	t.mu.Unlock()

	if flipped {
		if eligible {
			t.logger.Info("backend restored",
				zap.String("backend", string(id)),
				zap.Duration("latency", latency))
		} else {
			t.logger.Warn("backend excluded after failure streak",
				zap.String("backend", string(id)),
				zap.Int("threshold", t.threshold))
		}
		t.updateGauge()
	}
}

// EligibleSet returns the backends currently offered for selection: the
// membership snapshot intersected with eligible health state, sorted by
// identifier. Backends whose state has not been created yet (a snapshot the
// tracker hasn't processed) count as eligible — membership vouches for them.
func (t *Tracker) EligibleSet() []membership.BackendRecord {
	snap := t.source.Current()
	recs := make([]membership.BackendRecord, 0, snap.Len())
	t.mu.RLock()
	for _, id := range snap.IDs() {
		if st, ok := t.states[id]; ok && !st.eligible {
			continue
		}
		rec, _ := snap.Get(id)
		recs = append(recs, rec)
	}
	t.mu.RUnlock()
	return recs
}

// Stats returns a copy of the health counters for id.
func (t *Tracker) Stats(id membership.BackendID) (Stats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[id]
	if !ok {
		return Stats{}, false
	}
	return Stats{
		Successes:   st.successes,
		Failures:    st.failures,
		Streak:      st.streak,
		LastFailure: st.lastFailure,
		Eligible:    st.eligible,
	}, true
}

func (t *Tracker) updateGauge() {
	if t.gauge == nil {
		return
	}
	t.gauge.Set(float64(len(t.EligibleSet())))
}
