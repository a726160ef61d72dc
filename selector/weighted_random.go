package selector

import (
	"math/rand"
	"sync"
	"time"

	"query-balancer/membership"
)

// weightedRandomSelector draws a backend with probability proportional to
// its advertised weight. The PRNG is seeded once per process — reseeding
// per call would bias draws taken close together in time.
type weightedRandomSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWeightedRandomSelector() *weightedRandomSelector {
	return &weightedRandomSelector{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *weightedRandomSelector) Select(eligible []membership.BackendRecord, _ string) (*membership.BackendRecord, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendAvailable
	}

	total := 0
	for i := range eligible {
		total += weightOf(eligible[i])
	}

	s.mu.Lock()
	r := s.rng.Intn(total)
	s.mu.Unlock()

	for i := range eligible {
		r -= weightOf(eligible[i])
		if r < 0 {
			return &eligible[i], nil
		}
	}
	// Unreachable: the draw is strictly below the sum of weights.
	return &eligible[len(eligible)-1], nil
}

// weightOf treats backends that don't advertise a weight as weight 1, so a
// mixed fleet still balances instead of excluding the silent ones.
func weightOf(rec membership.BackendRecord) int {
	if rec.Weight > 0 {
		return rec.Weight
	}
	return 1
}

func (s *weightedRandomSelector) Name() string {
	return string(WeightedRandom)
}
