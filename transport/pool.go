package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
)

var errPoolClosed = errors.New("connection pool closed")

// connPool manages reusable TCP connections to a single backend address.
// Connections are used exclusively — one request/response exchange per
// checkout — so a buffered channel works as a natural FIFO queue: it is
// concurrency-safe and blocking-on-empty comes built in.
type connPool struct {
	mu       sync.Mutex
	conns    chan *poolConn
	addr     string
	maxConns int
	curConns int // created connections, may be < maxConns (lazy growth)
	closed   bool
	dial     func(ctx context.Context) (net.Conn, error)
}

// poolConn wraps a net.Conn with pool metadata.
type poolConn struct {
	net.Conn
	unusable bool // set after an I/O error; the conn is discarded on return
}

func newConnPool(addr string, maxConns int, dial func(ctx context.Context) (net.Conn, error)) *connPool {
	return &connPool{
		conns:    make(chan *poolConn, maxConns),
		addr:     addr,
		maxConns: maxConns,
		dial:     dial,
	}
}

// get retrieves a connection:
//  1. an idle one from the channel if available
//  2. otherwise a freshly dialed one while under the limit
//  3. otherwise it blocks until a connection is returned or ctx ends
func (p *connPool) get(ctx context.Context) (*poolConn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, errPoolClosed
		}
		if conn.unusable {
			conn.Close()
			p.dropped()
			return p.createNew(ctx)
		}
		return conn, nil
	default:
	}

	p.mu.Lock()
	under := !p.closed && p.curConns < p.maxConns
	p.mu.Unlock()
	if under {
		return p.createNew(ctx)
	}

	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, errPoolClosed
		}
		if conn.unusable {
			conn.Close()
			p.dropped()
			return p.createNew(ctx)
		}
		return conn, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a connection to the pool. Unusable connections are closed and
// their slot freed for a future dial.
func (p *connPool) put(conn *poolConn) {
	if conn.unusable {
		conn.Close()
		p.dropped()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		p.curConns--
		return
	}
	select {
	case p.conns <- conn:
	default:
		conn.Close()
		p.curConns--
	}
}

func (p *connPool) dropped() {
	p.mu.Lock()
	p.curConns--
	p.mu.Unlock()
}

// close shuts the pool down and closes all idle connections. Checked-out
// connections are closed when returned.
func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
		p.curConns--
	}
}

func (p *connPool) createNew(ctx context.Context) (*poolConn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if p.curConns >= p.maxConns {
		p.mu.Unlock()
		return nil, fmt.Errorf("connection pool to %s exhausted", p.addr)
	}
	p.curConns++
	p.mu.Unlock()

	netConn, err := p.dial(ctx)
	if err != nil {
		p.dropped()
		return nil, err
	}
	return &poolConn{Conn: netConn}, nil
}
