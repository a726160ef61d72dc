package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TCPForwarder forwards opaque payloads over pooled TCP connections using
// the frame codec. A connection is borrowed for exactly one request/response
// exchange and returned, so responses never need sequence matching.
type TCPForwarder struct {
	mu          sync.Mutex
	pools       map[string]*connPool
	maxConns    int
	dialTimeout time.Duration
	logger      *zap.Logger
	closed      bool
}

// NewTCPForwarder creates a forwarder keeping up to maxConnsPerBackend
// pooled connections per backend address.
func NewTCPForwarder(maxConnsPerBackend int, dialTimeout time.Duration, logger *zap.Logger) *TCPForwarder {
	if maxConnsPerBackend <= 0 {
		maxConnsPerBackend = 4
	}
	if dialTimeout <= 0 {
		dialTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPForwarder{
		pools:       make(map[string]*connPool),
		maxConns:    maxConnsPerBackend,
		dialTimeout: dialTimeout,
		logger:      logger.Named("transport"),
	}
}

// Forward sends payload to addr and waits for the response frame.
//
// Classification: dial failures, timeouts, and broken connections are
// transient — the same call may well succeed on another backend. A
// StatusRejected response is non-transient: the backend saw the call and
// said no. A StatusUnavailable response is transient and wraps
// ErrUnavailable.
func (f *TCPForwarder) Forward(ctx context.Context, addr string, payload []byte) ([]byte, error) {
	pool := f.pool(addr)
	if pool == nil {
		return nil, &ForwardError{Addr: addr, Transient: true, Err: errors.New("forwarder closed")}
	}
	conn, err := pool.get(ctx)
	if err != nil {
		return nil, &ForwardError{Addr: addr, Transient: true, Err: err}
	}
	defer pool.put(conn)

	// The caller's deadline bounds the whole exchange. Reset on the way out
	// so the pooled connection doesn't inherit a stale deadline.
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}

	req := &Frame{Kind: FrameRequest, Status: StatusOK, Body: payload}
	if err := WriteFrame(conn, req); err != nil {
		conn.unusable = true
		return nil, &ForwardError{Addr: addr, Transient: true, Err: err}
	}

	resp, err := ReadFrame(conn)
	if err != nil {
		conn.unusable = true
		return nil, &ForwardError{Addr: addr, Transient: true, Err: err}
	}

	switch resp.Status {
	case StatusOK:
		return resp.Body, nil
	case StatusUnavailable:
		return nil, &ForwardError{
			Addr:      addr,
			Transient: true,
			Err:       fmt.Errorf("%w: %s", ErrUnavailable, resp.Body),
		}
	default:
		return nil, &ForwardError{
			Addr:      addr,
			Transient: false,
			Err:       errors.New(string(resp.Body)),
		}
	}
}

// Close shuts down all connection pools. The forwarder must not be used
// afterwards.
func (f *TCPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, p := range f.pools {
		p.close()
	}
	f.pools = nil
	return nil
}

func (f *TCPForwarder) pool(addr string) *connPool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	p, ok := f.pools[addr]
	if !ok {
		p = newConnPool(addr, f.maxConns, func(ctx context.Context) (net.Conn, error) {
			dialer := net.Dialer{Timeout: f.dialTimeout}
			return dialer.DialContext(ctx, "tcp", addr)
		})
		f.pools[addr] = p
	}
	return p
}
