// Package membership maintains a live view of the query-backend fleet by
// watching ephemeral registration nodes in etcd.
//
// Each backend (or a sidecar next to it) registers an ephemeral node under a
// well-known prefix:
//
//	Key:   {path}/{host:port}
//	Value: JSON-encoded BackendRecord
//
// The node is bound to an etcd lease, so a crashed backend disappears on its
// own when the lease expires — no "ghost" backends linger in the view. The
// store translates node add/remove events into typed notifications consumed
// by the registry.
package membership

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// BackendID uniquely identifies a backend instance as "host:port".
type BackendID string

// BackendRecord describes one registered query-serving backend.
type BackendRecord struct {
	Host   string  `json:"host"`
	Port   int     `json:"port"`
	Load   float64 `json:"load,omitempty"`   // advertised load, lower is better
	Weight int     `json:"weight,omitempty"` // relative capacity for weighted selection

	RegisteredAt time.Time `json:"registered_at,omitempty"`

	// LeaseID is the coordination-service session the registration is bound
	// to. It is owned by the registering process and never serialized.
	LeaseID int64 `json:"-"`
}

// Addr returns the dialable "host:port" address.
func (r BackendRecord) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ID returns the backend identifier derived from host and port.
func (r BackendRecord) ID() BackendID {
	return BackendID(r.Addr())
}

// EncodeRecord serializes a record for storage as an etcd node value.
func EncodeRecord(r BackendRecord) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses an etcd node value back into a record.
// Records without a host or with a non-positive port are rejected so that a
// malformed registration can never enter the membership view.
func DecodeRecord(data []byte) (BackendRecord, error) {
	var r BackendRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return BackendRecord{}, fmt.Errorf("malformed backend record: %w", err)
	}
	if r.Host == "" || r.Port <= 0 {
		return BackendRecord{}, fmt.Errorf("invalid backend record: host=%q port=%d", r.Host, r.Port)
	}
	return r, nil
}

// idFromKey extracts the backend id from a full etcd key under prefix.
// Returns false for keys that don't belong to the registration path.
func idFromKey(prefix, key string) (BackendID, bool) {
	rest, ok := strings.CutPrefix(key, prefix)
	if !ok || rest == "" {
		return "", false
	}
	return BackendID(rest), true
}

// equalRecords reports whether two records carry the same advertised state.
// Lease ids are excluded: a backend that re-registered under a new session
// with identical metadata is still the same backend.
func equalRecords(a, b BackendRecord) bool {
	return a.Host == b.Host &&
		a.Port == b.Port &&
		a.Load == b.Load &&
		a.Weight == b.Weight &&
		a.RegisteredAt.Equal(b.RegisteredAt)
}
