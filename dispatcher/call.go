package dispatcher

import "query-balancer/membership"

// Call is one inbound request to route. The payload is opaque: the balancer
// selects a target and hands off, it never interprets the bytes.
type Call struct {
	// ID identifies the call in logs. Assigned automatically when empty.
	ID string

	// Hint is an optional affinity key consumed by hint-aware selection
	// policies (consistent hash). Ignored by the others.
	Hint string

	Payload []byte
}

// Result is a successfully routed call's outcome.
type Result struct {
	Backend  membership.BackendRecord // the backend that answered
	Payload  []byte                   // opaque response payload
	Attempts int                      // forwarding attempts made, >= 1
}
