package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"
)

// callGuard wraps every remote call of one system with a per-call timeout,
// a circuit breaker and bounded retries with exponential backoff.
type callGuard struct {
	system      System
	retry       RetrySettings
	callTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker[struct{}]
	logger      *slog.Logger
}

func newCallGuard(system System, settings RunSettings, logger *slog.Logger) *callGuard {
	threshold := settings.Breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	g := &callGuard{
		system:      system,
		retry:       settings.Retry,
		callTimeout: settings.CallTimeout,
		logger:      logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        string(system),
		MaxRequests: 1,
		Timeout:     settings.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// only unavailability counts against the system, a rejected record does not
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "system", name, "from", stateToString(from), "to", stateToString(to))
		},
	})
	return g
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (g *callGuard) backOff(ctx context.Context, retryable bool) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.retry.InitialInterval > 0 {
		b.InitialInterval = g.retry.InitialInterval
	}
	if g.retry.MaxInterval > 0 {
		b.MaxInterval = g.retry.MaxInterval
	}
	b.MaxElapsedTime = 0
	retries := uint64(0)
	if retryable && g.retry.MaxAttempts > 1 {
		retries = uint64(g.retry.MaxAttempts - 1)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// do runs fn until it succeeds, fails permanently or runs out of attempts.
// Each attempt runs on a context detached from ctx, so a shutdown lets the in-flight
// call finish while ctx still stops further attempts.
func (g *callGuard) do(ctx context.Context, op string, retryable bool, fn func(context.Context) error) error {
	var last error
	attempt := func() error {
		callCtx := context.WithoutCancel(ctx)
		if g.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(callCtx, g.callTimeout)
			defer cancel()
		}
		_, err := g.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, fn(callCtx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &RemoteError{System: g.system, Op: op, Kind: KindRemoteUnavailable, Err: err}
			last = err
			return backoff.Permanent(err)
		}
		if err != nil && KindOf(err) == KindUnknown {
			err = &RemoteError{System: g.system, Op: op, Kind: KindRemoteUnavailable, Err: err}
		}
		last = err
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("retrying remote call", "system", g.system, "op", op, "wait", wait, "error", err)
	}
	err := backoff.RetryNotify(attempt, g.backOff(ctx, retryable), notify)
	if err != nil && last != nil {
		// report the call's own failure rather than the cancellation that stopped retries
		return last
	}
	return err
}
