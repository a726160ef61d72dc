package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// startBackend runs an in-process frame server and returns its address.
func startBackend(t *testing.T, h Handler) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, ln, h, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

func TestForwardSuccess(t *testing.T) {
	addr := startBackend(t, func(_ context.Context, payload []byte) ([]byte, error) {
		return append([]byte("echo:"), payload...), nil
	})

	f := NewTCPForwarder(2, time.Second, nil)
	defer f.Close()

	resp, err := f.Forward(context.Background(), addr, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, []byte("echo:hello"), resp)
}

func TestForwardReusesConnections(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	addr := startBackend(t, func(_ context.Context, payload []byte) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return payload, nil
	})

	f := NewTCPForwarder(1, time.Second, nil)
	defer f.Close()

	for i := 0; i < 5; i++ {
		_, err := f.Forward(context.Background(), addr, []byte("x"))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 5, calls)
}

func TestForwardRejectionIsNonTransient(t *testing.T) {
	addr := startBackend(t, func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("malformed query")
	})

	f := NewTCPForwarder(2, time.Second, nil)
	defer f.Close()

	_, err := f.Forward(context.Background(), addr, []byte("q"))
	require.Error(t, err)
	require.False(t, IsTransient(err))
	require.Contains(t, err.Error(), "malformed query")
}

func TestForwardUnavailableIsTransient(t *testing.T) {
	addr := startBackend(t, func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, fmt.Errorf("%w: draining", ErrUnavailable)
	})

	f := NewTCPForwarder(2, time.Second, nil)
	defer f.Close()

	_, err := f.Forward(context.Background(), addr, []byte("q"))
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestForwardConnectRefusedIsTransient(t *testing.T) {
	// Grab a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	f := NewTCPForwarder(2, time.Second, nil)
	defer f.Close()

	_, err = f.Forward(context.Background(), addr, []byte("q"))
	require.Error(t, err)
	require.True(t, IsTransient(err))
}

func TestForwardDeadlineIsTransient(t *testing.T) {
	addr := startBackend(t, func(ctx context.Context, payload []byte) ([]byte, error) {
		time.Sleep(2 * time.Second)
		return payload, nil
	})

	f := NewTCPForwarder(2, time.Second, nil)
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Forward(ctx, addr, []byte("q"))
	require.Error(t, err)
	require.True(t, IsTransient(err), "caller timeout counts as a transient failure")
}

func TestConcurrentForwards(t *testing.T) {
	addr := startBackend(t, func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})

	f := NewTCPForwarder(4, time.Second, nil)
	defer f.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := []byte(fmt.Sprintf("call-%d", n))
			resp, err := f.Forward(context.Background(), addr, payload)
			if err != nil {
				errs <- err
				return
			}
			if string(resp) != string(payload) {
				errs <- fmt.Errorf("response mismatch: %q", resp)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}
