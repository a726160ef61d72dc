package transport

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one inbound payload and returns the response payload.
// A returned error becomes a StatusRejected frame — or StatusUnavailable if
// it wraps ErrUnavailable — so the peer can tell "this call was refused"
// apart from "no capacity right now".
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Serve accepts frame-protocol connections on ln and services requests
// until ctx is cancelled.
//
// Each connection gets one goroutine that reads frames sequentially (frame
// boundaries require sequential reads), and each request is processed in
// its own goroutine so a slow call doesn't stall the connection. A
// per-connection write mutex keeps concurrent responses from interleaving.
func Serve(ctx context.Context, ln net.Listener, h Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("serve")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			wg.Wait()
			// ln.Close() from the cancellation goroutine surfaces here.
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveConn(ctx, conn, h, logger)
		}()
	}
}

func serveConn(ctx context.Context, conn net.Conn, h Handler, logger *zap.Logger) {
	defer conn.Close()

	var writeMu sync.Mutex
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			// EOF on client disconnect is routine; anything else means a
			// corrupt stream and the connection is dropped either way.
			return
		}
		if frame.Kind != FrameRequest {
			continue
		}

		wg.Add(1)
		go func(req *Frame) {
			defer wg.Done()

			resp := &Frame{Kind: FrameResponse, Status: StatusOK}
			out, err := h(ctx, req.Body)
			switch {
			case err == nil:
				resp.Body = out
			case errors.Is(err, ErrUnavailable):
				resp.Status = StatusUnavailable
				resp.Body = []byte(err.Error())
			default:
				resp.Status = StatusRejected
				resp.Body = []byte(err.Error())
			}

			writeMu.Lock()
			werr := WriteFrame(conn, resp)
			writeMu.Unlock()
			if werr != nil {
				logger.Debug("response write failed", zap.Error(werr))
			}
		}(frame)
	}
}
