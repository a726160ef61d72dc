package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func appendMiddleware(tag string, order *[]string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (*Result, error) {
			*order = append(*order, tag+"-in")
			res, err := next(ctx, call)
			*order = append(*order, tag+"-out")
			return res, err
		}
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	h := Chain(
		appendMiddleware("outer", &order),
		appendMiddleware("inner", &order),
	)(func(ctx context.Context, call *Call) (*Result, error) {
		order = append(order, "handler")
		return &Result{}, nil
	})

	_, err := h(context.Background(), &Call{})
	require.NoError(t, err)
	require.Equal(t, []string{"outer-in", "inner-in", "handler", "inner-out", "outer-out"}, order)
}

func TestRateLimitMiddleware(t *testing.T) {
	// 1 call/s with burst 2: the first two pass, the third is rejected.
	mw := RateLimitMiddleware(1, 2)
	var handled int
	h := mw(func(ctx context.Context, call *Call) (*Result, error) {
		handled++
		return &Result{}, nil
	})

	for i := 0; i < 2; i++ {
		_, err := h(context.Background(), &Call{})
		require.NoError(t, err)
	}
	_, err := h(context.Background(), &Call{})
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 2, handled)
}

func TestTimeoutMiddlewareSetsDeadline(t *testing.T) {
	mw := TimeoutMiddleware(50 * time.Millisecond)
	h := mw(func(ctx context.Context, call *Call) (*Result, error) {
		deadline, ok := ctx.Deadline()
		require.True(t, ok)
		require.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 20*time.Millisecond)
		return &Result{}, nil
	})

	_, err := h(context.Background(), &Call{})
	require.NoError(t, err)
}

func TestTimeoutMiddlewareExpires(t *testing.T) {
	mw := TimeoutMiddleware(10 * time.Millisecond)
	h := mw(func(ctx context.Context, call *Call) (*Result, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return &Result{}, nil
		}
	})

	start := time.Now()
	_, err := h(context.Background(), &Call{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
