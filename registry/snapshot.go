package registry

import (
	"sort"

	"query-balancer/membership"
)

// Snapshot is an immutable, versioned view of the live backend set.
//
// A snapshot is never mutated once published; every membership change
// produces a new one. A reader that captured a snapshot reference operates
// on one consistent view for the duration of its selection decision — no
// backend can appear and disappear mid-decision.
type Snapshot struct {
	version  uint64
	backends map[membership.BackendID]membership.BackendRecord
	ids      []membership.BackendID // sorted, computed once at publish
}

func newSnapshot(version uint64, backends map[membership.BackendID]membership.BackendRecord) *Snapshot {
	ids := make([]membership.BackendID, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return &Snapshot{version: version, backends: backends, ids: ids}
}

// Version returns the monotonically increasing snapshot version.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of backends in the snapshot.
func (s *Snapshot) Len() int { return len(s.backends) }

// Has reports whether the backend is present in this snapshot.
func (s *Snapshot) Has(id membership.BackendID) bool {
	_, ok := s.backends[id]
	return ok
}

// Get returns the record for id, if present.
func (s *Snapshot) Get(id membership.BackendID) (membership.BackendRecord, bool) {
	rec, ok := s.backends[id]
	return rec, ok
}

// IDs returns the backend ids sorted by identifier. Callers must treat the
// returned slice as read-only.
func (s *Snapshot) IDs() []membership.BackendID { return s.ids }

// Records returns the backend records sorted by identifier.
func (s *Snapshot) Records() []membership.BackendRecord {
	recs := make([]membership.BackendRecord, 0, len(s.ids))
	for _, id := range s.ids {
		recs = append(recs, s.backends[id])
	}
	return recs
}
