package membership

import (
	"context"
	"errors"
)

// ErrCoordinationUnavailable is returned when the coordination service
// cannot be reached within the configured connect timeout. It triggers the
// reconnect loop; it is never surfaced as a per-call failure by itself.
var ErrCoordinationUnavailable = errors.New("coordination service unavailable")

// Handler receives membership change notifications.
//
// Implementations must be idempotent: the underlying watch mechanism is
// at-least-once, so the same logical add or remove may be delivered more
// than once. Calls are serialized — the store never invokes the handler
// from two goroutines concurrently.
type Handler interface {
	OnBackendAdded(rec BackendRecord)
	OnBackendRemoved(id BackendID)
}

// Store watches the registration path and feeds membership changes to a
// Handler.
type Store interface {
	// Start establishes the session, performs an initial full read of the
	// registration path (delivered as a sequence of adds), then watches for
	// incremental changes. Fails with ErrCoordinationUnavailable if the
	// coordination service cannot be reached within the connect timeout.
	Start(ctx context.Context, path string) error

	// Stop releases the session and watches. Idempotent.
	Stop() error
}
