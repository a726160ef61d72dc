// Package transport carries opaque call payloads between the balancer and
// its backends. The balancer never interprets the bytes: it selects a
// target, hands the payload off, and classifies the outcome.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a response that means "no capacity right now".
// Callers may retry; re-issuing the same payload is safe.
var ErrUnavailable = errors.New("service unavailable")

// Forwarder sends an opaque payload to a backend address and returns the
// response payload. Failures are classified via ForwardError: transient
// (connect refused, timeout) or not (the backend itself rejected the call).
type Forwarder interface {
	Forward(ctx context.Context, addr string, payload []byte) ([]byte, error)
}

// ForwardError is a classified forwarding failure.
type ForwardError struct {
	Addr      string
	Transient bool // true for connect/timeout failures worth retrying elsewhere
	Err       error
}

func (e *ForwardError) Error() string {
	kind := "non-transient"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s forward failure to %s: %v", kind, e.Addr, e.Err)
}

func (e *ForwardError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a forwarding failure worth retrying
// against a different backend. Application-level rejections return false:
// re-sending a semantically invalid call elsewhere won't change the answer.
func IsTransient(err error) bool {
	var fe *ForwardError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}
