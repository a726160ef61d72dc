// Package registry owns the authoritative in-memory view of live backends.
//
// Membership events are applied by a single serialized writer and published
// as immutable versioned snapshots behind an atomic pointer. Readers load
// the current snapshot with one atomic read and never take a lock; a reader
// holding an older snapshot must re-read before its next decision rather
// than cache the reference across calls.
package registry

import (
	"sync"
	"sync/atomic"

	"query-balancer/membership"
)

// Registry applies membership events and exposes the current snapshot.
// It implements membership.Handler, so it can be wired directly as the
// membership store's event sink.
type Registry struct {
	mu   sync.Mutex // serializes writers and subscriber notification
	cur  atomic.Pointer[Snapshot]
	subs []func(*Snapshot)
}

// New creates a registry holding an empty version-0 snapshot.
func New() *Registry {
	r := &Registry{}
	r.cur.Store(newSnapshot(0, map[membership.BackendID]membership.BackendRecord{}))
	return r
}

// Subscribe registers fn to be called with every newly published snapshot.
// Notifications run on the writer path, in publish order. Must be called
// before events start flowing.
func (r *Registry) Subscribe(fn func(*Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = append(r.subs, fn)
}

// ApplyAdd inserts or overwrites the record under its identifier and
// publishes a new snapshot. Applying the same add twice is harmless: the
// second apply overwrites with identical data.
func (r *Registry) ApplyAdd(rec membership.BackendRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cur.Load()
	next := make(map[membership.BackendID]membership.BackendRecord, old.Len()+1)
	for id, b := range old.backends {
		next[id] = b
	}
	next[rec.ID()] = rec
	r.publish(newSnapshot(old.version+1, next))
}

// ApplyRemove deletes the backend by id and publishes a new snapshot. The
// version is bumped even when the id is absent, so a duplicate remove can
// never leave a stale version racing a concurrent add of the same id.
// Removal is by id only, never by version — avoids lost updates on
// concurrent modify.
func (r *Registry) ApplyRemove(id membership.BackendID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.cur.Load()
	next := make(map[membership.BackendID]membership.BackendRecord, old.Len())
	for bid, b := range old.backends {
		if bid != id {
			next[bid] = b
		}
	}
	r.publish(newSnapshot(old.version+1, next))
}

// Current returns the latest snapshot. Never blocks, never returns nil.
func (r *Registry) Current() *Snapshot {
	return r.cur.Load()
}

// OnBackendAdded implements membership.Handler.
func (r *Registry) OnBackendAdded(rec membership.BackendRecord) { r.ApplyAdd(rec) }

// OnBackendRemoved implements membership.Handler.
func (r *Registry) OnBackendRemoved(id membership.BackendID) { r.ApplyRemove(id) }

// publish must be called with mu held so snapshot versions strictly
// increase and no two publications interleave.
func (r *Registry) publish(s *Snapshot) {
	r.cur.Store(s)
	for _, fn := range r.subs {
		fn(s)
	}
}
