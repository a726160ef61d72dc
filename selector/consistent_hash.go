package selector

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"query-balancer/membership"
)

// consistentHashSelector maps the call's affinity hint to a backend using a
// hash ring. The same hint keeps landing on the same backend until the
// eligible set changes, which preserves backend-local caches across calls.
//
// Virtual nodes: each backend is mapped to N points on the ring. Without
// them, a handful of backends could cluster together and skew the load;
// 100 virtual nodes per backend gives statistical uniformity.
//
// The ring is rebuilt lazily whenever the eligible set differs from the one
// it was last built from. Calls without a hint all hash to the same point,
// so callers choosing this policy should supply one.
type consistentHashSelector struct {
	mu       sync.Mutex
	replicas int
	ring     []uint32                             // sorted hash values on the ring
	nodes    map[uint32]membership.BackendRecord  // hash value → backend
	builtFor string                               // fingerprint of the set the ring was built from
}

func newConsistentHashSelector() *consistentHashSelector {
	return &consistentHashSelector{replicas: 100}
}

func (s *consistentHashSelector) Select(eligible []membership.BackendRecord, hint string) (*membership.BackendRecord, error) {
	if len(eligible) == 0 {
		return nil, ErrNoBackendAvailable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rebuildIfChanged(eligible)

	hash := crc32.ChecksumIEEE([]byte(hint))

	// Binary search: first ring point >= the hint's hash, wrapping to the
	// start of the ring past the last point.
	idx := sort.Search(len(s.ring), func(i int) bool {
		return s.ring[i] >= hash
	})
	if idx == len(s.ring) {
		idx = 0
	}

	rec := s.nodes[s.ring[idx]]
	return &rec, nil
}

// rebuildIfChanged rebuilds the ring when the eligible set differs from the
// one the current ring was built from. The fingerprint is the joined sorted
// id list — eligible arrives sorted by identifier.
func (s *consistentHashSelector) rebuildIfChanged(eligible []membership.BackendRecord) {
	ids := make([]string, len(eligible))
	for i := range eligible {
		ids[i] = string(eligible[i].ID())
	}
	fp := strings.Join(ids, ",")
	if fp == s.builtFor {
		return
	}

	s.ring = s.ring[:0]
	s.nodes = make(map[uint32]membership.BackendRecord, len(eligible)*s.replicas)
	for i := range eligible {
		for v := 0; v < s.replicas; v++ {
			key := fmt.Sprintf("%s#%d", eligible[i].Addr(), v)
			h := crc32.ChecksumIEEE([]byte(key))
			s.ring = append(s.ring, h)
			s.nodes[h] = eligible[i]
		}
	}
	sort.Slice(s.ring, func(i, j int) bool { return s.ring[i] < s.ring[j] })
	s.builtFor = fp
}

func (s *consistentHashSelector) Name() string {
	return string(ConsistentHash)
}
