package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HandlerFunc processes one call. The dispatcher's routing loop is the
// innermost handler; middleware wraps around it.
type HandlerFunc func(ctx context.Context, call *Call) (*Result, error)

// Middleware wraps a handler with cross-cutting behaviour.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one. Chain(A, B, C)(handler) executes as
// A(B(C(handler))): A sees the call first and the result last.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// ErrRateLimited is returned when the inbound rate limiter rejects a call
// before any backend is selected.
var ErrRateLimited = errors.New("rate limit exceeded")

// LoggingMiddleware logs every call with its routing outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	logger = logger.Named("calls")
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (*Result, error) {
			start := time.Now()
			res, err := next(ctx, call)
			if err != nil {
				logger.Warn("call failed",
					zap.String("call", call.ID),
					zap.Duration("duration", time.Since(start)),
					zap.Error(err))
				return res, err
			}
			logger.Info("call routed",
				zap.String("call", call.ID),
				zap.String("backend", string(res.Backend.ID())),
				zap.Int("attempts", res.Attempts),
				zap.Duration("duration", time.Since(start)))
			return res, nil
		}
	}
}

// RateLimitMiddleware applies a token-bucket limit to inbound calls.
func RateLimitMiddleware(callsPerSecond float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (*Result, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, call)
		}
	}
}

// TimeoutMiddleware bounds the whole routing attempt — selection, forwards,
// and failover retries — with a single deadline. The routing loop respects
// ctx, so no watchdog goroutine is needed.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) (*Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, call)
		}
	}
}
