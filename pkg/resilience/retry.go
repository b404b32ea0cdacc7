package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// Operation is a unit of work guarded by the resilience layer.
type Operation[T any] func(ctx context.Context) (T, error)

// jitterFraction bounds the random perturbation applied to each delay.
const jitterFraction = 0.25

// RetryPolicy holds configuration for retry logic
type RetryPolicy struct {
	// Name identifies the call site in logs
	Name string
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the delay before the second attempt
	BaseDelay time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter perturbs each delay by up to ±25%
	Jitter bool
	// ShouldRetry decides whether a failed attempt may be retried
	ShouldRetry func(error) bool
	// AttemptTimeout bounds a single attempt. Zero means no per-attempt limit.
	AttemptTimeout time.Duration
	// OnRetry is called before waiting for the next attempt
	OnRetry func(attempt int, err error, delay time.Duration)

	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
}

// StopReason records why a retry loop ended.
type StopReason string

const (
	StopSucceeded    StopReason = "succeeded"
	StopNotRetryable StopReason = "not_retryable"
	StopExhausted    StopReason = "exhausted"
	StopCancelled    StopReason = "cancelled"
)

// RetryOutcome is the result of ExecuteWithRetry.
type RetryOutcome[T any] struct {
	Succeeded bool
	Value     T
	// Err is the error to surface to callers: an *ExhaustedError when every
	// attempt was used, otherwise the last error unchanged.
	Err error
	// LastErr is the error returned by the final attempt.
	LastErr  error
	Attempts int
	Elapsed  time.Duration
	Reason   StopReason
}

// Result returns the value and error in the usual Go shape.
func (o RetryOutcome[T]) Result() (T, error) {
	return o.Value, o.Err
}

// DefaultShouldRetry retries errors classified as retryable and anything
// unclassified, but never breaker rejections or caller cancellation.
func DefaultShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if IsRejected(err) || stderrors.Is(err, context.Canceled) {
		return false
	}
	return errors.IsRetryable(err)
}

// ExternalServicePolicy suits a slow, rate-limited external dependency such as
// the remote rule source.
func ExternalServicePolicy() RetryPolicy {
	return RetryPolicy{
		Name:              "external_service",
		MaxAttempts:       5,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		AttemptTimeout:    20 * time.Second,
		ShouldRetry:       externalShouldRetry,
	}
}

func externalShouldRetry(err error) bool {
	switch errors.GetType(err) {
	case errors.ErrorTypeAuthentication,
		errors.ErrorTypeAuthorization,
		errors.ErrorTypeNotFound,
		errors.ErrorTypeValidation,
		errors.ErrorTypeConfiguration:
		return false
	}
	return DefaultShouldRetry(err)
}

// InProcessPolicy suits fast in-process computations such as compiling a
// rule index.
func InProcessPolicy() RetryPolicy {
	return RetryPolicy{
		Name:              "in_process",
		MaxAttempts:       3,
		BaseDelay:         10 * time.Millisecond,
		MaxDelay:          100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		ShouldRetry:       DefaultShouldRetry,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.BackoffMultiplier <= 0 {
		p.BackoffMultiplier = 2.0
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = DefaultShouldRetry
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	return p
}

// Delay returns the wait before attempt+1, given that attempt (1-indexed)
// just failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter {
		delay += (p.random()*2 - 1) * jitterFraction * delay
	}

	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// ExecuteWithRetry runs op until it succeeds, the policy refuses another
// attempt, or ctx ends. It always returns an outcome and never panics on
// operation errors.
func ExecuteWithRetry[T any](ctx context.Context, policy RetryPolicy, op Operation[T]) RetryOutcome[T] {
	policy = policy.normalized()
	logger := logging.GetLogger()
	start := time.Now()

	var outcome RetryOutcome[T]
	finish := func(reason StopReason) RetryOutcome[T] {
		outcome.Reason = reason
		outcome.Elapsed = time.Since(start)
		switch reason {
		case StopSucceeded:
			outcome.Succeeded = true
		case StopExhausted:
			outcome.Err = &ExhaustedError{Attempts: outcome.Attempts, LastErr: outcome.LastErr}
		default:
			outcome.Err = outcome.LastErr
		}
		return outcome
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if outcome.LastErr == nil {
				outcome.LastErr = err
			}
			return finish(StopCancelled)
		}

		outcome.Attempts = attempt
		value, err := runAttempt(ctx, policy, op)
		if err == nil {
			outcome.Value = value
			outcome.LastErr = nil
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					"policy", policy.Name,
					"attempt", attempt,
				)
			}
			return finish(StopSucceeded)
		}
		outcome.LastErr = err

		if ctx.Err() != nil {
			return finish(StopCancelled)
		}

		if !policy.ShouldRetry(err) {
			logger.Debug("Error is not retryable, stopping",
				"policy", policy.Name,
				"error", err,
				"attempt", attempt,
			)
			return finish(StopNotRetryable)
		}

		if attempt >= policy.MaxAttempts {
			logger.Warn("Operation failed after all retry attempts",
				"policy", policy.Name,
				"error", err,
				"attempts", attempt,
			)
			return finish(StopExhausted)
		}

		delay := policy.Delay(attempt)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			logger.Debug("Deadline leaves no room for another attempt",
				"policy", policy.Name,
				"attempt", attempt,
				"delay", delay,
			)
			return finish(StopCancelled)
		}

		logger.Debug("Operation failed, retrying",
			"policy", policy.Name,
			"error", err,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
		)

		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		if err := policy.sleep(ctx, delay); err != nil {
			return finish(StopCancelled)
		}
	}
}

func runAttempt[T any](ctx context.Context, policy RetryPolicy, op Operation[T]) (T, error) {
	if policy.AttemptTimeout > 0 {
		return WithTimeout(ctx, policy.AttemptTimeout, op)
	}
	return op(ctx)
}

// WithTimeout races op against timeout. When the timer wins, op keeps running
// in the background with a cancelled context and its late result is dropped.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, op Operation[T]) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)

	go func() {
		value, err := op(attemptCtx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-attemptCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, errors.NewTimeoutError("operation").
			WithDetail("timeout", timeout.String()).
			WithCause(attemptCtx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
