package selector

import "query-balancer/membership"

// leastLoadedSelector picks the backend with the minimum advertised load.
// The eligible set is sorted by identifier and only a strictly smaller load
// replaces the candidate, so ties deterministically go to the lower id —
// deterministic output keeps the policy testable.
type leastLoadedSelector struct{}

func (s *leastLoadedSelector) Select(eligible []membership.BackendRecord, _ string) (*membership.BackendRecord, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendAvailable
	}
	best := 0
	for i := 1; i < len(eligible); i++ {
		if eligible[i].Load < eligible[best].Load {
			best = i
		}
	}
	return &eligible[best], nil
}

func (s *leastLoadedSelector) Name() string {
	return string(LeastLoaded)
}
