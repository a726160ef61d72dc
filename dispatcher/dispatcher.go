// Package dispatcher orchestrates a single inbound call: select a target
// from the eligible set, forward the opaque payload, fail over on transient
// failure, and report every attempt's outcome to the health tracker.
//
// Per-call state machine:
//
//	SELECTING → FORWARDING → SUCCEEDED
//	                       → RETRYING → SELECTING   (transient, budget left)
//	                       → FAILED                 (non-transient, budget
//	                                                 exhausted, or cancelled)
//
// The retry loop is bounded by an explicit attempt counter, never
// recursion, so termination and the exact budget are independently
// testable.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"query-balancer/membership"
	"query-balancer/metrics"
	"query-balancer/selector"
	"query-balancer/transport"
)

// ErrServiceUnavailable is surfaced to callers when no eligible backend
// exists at selection time. It means "no capacity right now" — the caller
// may retry; nothing was forwarded.
var ErrServiceUnavailable = errors.New("service unavailable: no eligible backend")

// DefaultMaxRetries is the transient-failure retry budget (attempts beyond
// the first) applied when the configuration leaves the budget unset.
const DefaultMaxRetries = 2

// Tracker is the health feedback surface the dispatcher reads candidates
// from and reports outcomes to. *health.Tracker satisfies it.
type Tracker interface {
	EligibleSet() []membership.BackendRecord
	OnCallOutcome(id membership.BackendID, success bool, latency time.Duration)
}

// Config tunes the dispatcher.
type Config struct {
	// MaxRetries is the number of fresh selections after a transient
	// forwarding failure. Total attempts = MaxRetries + 1. Zero or
	// negative disables failover.
	MaxRetries int
}

// Dispatcher routes calls. Safe for unlimited concurrent Handle calls.
type Dispatcher struct {
	tracker  Tracker
	selector selector.Selector
	fwd      transport.Forwarder
	retries  int
	logger   *zap.Logger
	metrics  *metrics.Metrics // optional

	mws       []Middleware
	handler   HandlerFunc
	buildOnce sync.Once
}

// New creates a dispatcher. logger may be nil.
func New(tracker Tracker, sel selector.Selector, fwd transport.Forwarder, cfg Config, logger *zap.Logger) *Dispatcher {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		tracker:  tracker,
		selector: sel,
		fwd:      fwd,
		retries:  retries,
		logger:   logger.Named("dispatcher"),
	}
}

// SetMetrics wires optional instrumentation. Must be called before Handle.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Use appends a middleware. Middlewares run in registration order around
// the routing loop. Must be called before the first Handle.
func (d *Dispatcher) Use(mw Middleware) {
	d.mws = append(d.mws, mw)
}

// Handle routes one call and returns the backend's response payload.
func (d *Dispatcher) Handle(ctx context.Context, call *Call) (*Result, error) {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	d.buildOnce.Do(func() {
		d.handler = Chain(d.mws...)(d.dispatch)
	})
	return d.handler(ctx, call)
}

// dispatch is the routing loop. Invariants:
//   - at most retries+1 forwarding attempts per call
//   - every attempt reports to the tracker exactly once
//   - a backend that failed this call is excluded from this call's later
//     selections (its health state decides its fate for other calls)
func (d *Dispatcher) dispatch(ctx context.Context, call *Call) (*Result, error) {
	maxAttempts := d.retries + 1
	var excluded map[membership.BackendID]bool
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		eligible := d.tracker.EligibleSet()
		if len(excluded) > 0 {
			kept := eligible[:0]
			for _, rec := range eligible {
				if !excluded[rec.ID()] {
					kept = append(kept, rec)
				}
			}
			eligible = kept
		}

		target, err := d.selector.Select(eligible, call.Hint)
		if err != nil {
			if attempt == 1 {
				// Nothing to try at all: fail fast, the caller can retry.
				d.countCall("unavailable")
				return nil, ErrServiceUnavailable
			}
			// Failed over through every candidate there was.
			d.countCall("failed")
			return nil, fmt.Errorf("all candidates exhausted after %d attempts: %w", attempt-1, lastErr)
		}

		start := time.Now()
		resp, err := d.fwd.Forward(ctx, target.Addr(), call.Payload)
		latency := time.Since(start)
		d.observeForward(latency)

		if err == nil {
			d.tracker.OnCallOutcome(target.ID(), true, latency)
			d.countAttempt("success")
			d.countCall("success")
			return &Result{Backend: *target, Payload: resp, Attempts: attempt}, nil
		}

		if !transport.IsTransient(err) {
			// The backend saw the call and rejected it. It is alive — that
			// is a positive liveness signal, not a health failure — and
			// re-sending the same call elsewhere would not change the
			// answer.
			d.tracker.OnCallOutcome(target.ID(), true, latency)
			d.countAttempt("rejected")
			d.countCall("rejected")
			return nil, err
		}

		d.tracker.OnCallOutcome(target.ID(), false, latency)
		d.countAttempt("transient_failure")
		lastErr = err
		if excluded == nil {
			excluded = make(map[membership.BackendID]bool, maxAttempts)
		}
		excluded[target.ID()] = true

		if ctx.Err() != nil {
			// The caller gave up mid-flight. The timed-out attempt was
			// already reported as a transient failure; release the retry
			// loop promptly instead of burning the remaining budget.
			d.countCall("failed")
			return nil, err
		}

		d.logger.Warn("transient forward failure, failing over",
			zap.String("call", call.ID),
			zap.String("backend", string(target.ID())),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if d.metrics != nil {
			d.metrics.FailoversTotal.Inc()
		}
	}

	d.countCall("failed")
	return nil, fmt.Errorf("retry budget exhausted after %d attempts: %w", maxAttempts, lastErr)
}

func (d *Dispatcher) countAttempt(outcome string) {
	if d.metrics != nil {
		d.metrics.AttemptsTotal.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) countCall(result string) {
	if d.metrics != nil {
		d.metrics.CallsTotal.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) observeForward(latency time.Duration) {
	if d.metrics != nil {
		d.metrics.ForwardDuration.Observe(latency.Seconds())
	}
}
