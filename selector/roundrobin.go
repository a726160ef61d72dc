package selector

import (
	"sync/atomic"

	"query-balancer/membership"
)

// roundRobinSelector rotates over the id-sorted eligible set using an
// atomic counter for lock-free, goroutine-safe operation.
//
// When the eligible set changes between calls, the cursor is reinterpreted
// as an index modulo the new size. Fairness degrades for one rotation after
// a change; correctness does not.
type roundRobinSelector struct {
	counter int64 // atomic cursor, incremented on each Select
}

func (s *roundRobinSelector) Select(eligible []membership.BackendRecord, _ string) (*membership.BackendRecord, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendAvailable
	}
	index := atomic.AddInt64(&s.counter, 1) % int64(len(eligible))
	return &eligible[index], nil
}

func (s *roundRobinSelector) Name() string {
	return string(RoundRobin)
}
