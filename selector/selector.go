// Package selector chooses one backend from the eligible set for each
// inbound call.
//
// Four policies are implemented:
//   - RoundRobin:     stateless backends, equal capacity
//   - LeastLoaded:    backends advertising a load metric
//   - WeightedRandom: heterogeneous instances (different CPU/memory)
//   - ConsistentHash: calls carrying an affinity hint (cache locality)
package selector

import (
	"errors"
	"fmt"

	"query-balancer/membership"
)

// ErrNoBackendAvailable is returned when the eligible set is empty. It is
// terminal for the current selection — retrying the same empty set is
// pointless, so the dispatcher fails fast instead of looping.
var ErrNoBackendAvailable = errors.New("no backend available")

// Policy names a selection strategy, as configured.
type Policy string

const (
	RoundRobin     Policy = "round_robin"
	LeastLoaded    Policy = "least_loaded"
	WeightedRandom Policy = "weighted_random"
	ConsistentHash Policy = "consistent_hash"
)

// Selector picks one backend from the eligible set. Called on every inbound
// call — implementations must be goroutine-safe, must never block, and keep
// no state beyond what the policy itself requires (e.g. a rotation cursor).
//
// The eligible slice is always sorted by backend identifier; policies rely
// on that ordering for determinism.
type Selector interface {
	// Select returns one backend, or ErrNoBackendAvailable when eligible is
	// empty. hint is an optional affinity key; policies that don't use it
	// ignore it.
	Select(eligible []membership.BackendRecord, hint string) (*membership.BackendRecord, error)

	// Name returns the policy name (for logging/debugging).
	Name() string
}

// New returns the selector for the named policy.
func New(p Policy) (Selector, error) {
	switch p {
	case RoundRobin:
		return &roundRobinSelector{}, nil
	case LeastLoaded:
		return &leastLoadedSelector{}, nil
	case WeightedRandom:
		return newWeightedRandomSelector(), nil
	case ConsistentHash:
		return newConsistentHashSelector(), nil
	default:
		return nil, fmt.Errorf("unknown selection policy: %q", p)
	}
}
