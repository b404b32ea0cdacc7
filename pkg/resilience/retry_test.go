package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
)

var errTransient = errors.New("transient failure")

func recordingSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func alwaysRetry(error) bool { return true }

// failingTimes returns an operation that fails n times before succeeding.
func failingTimes(n int, calls *int32) Operation[string] {
	return func(ctx context.Context) (string, error) {
		if int(atomic.AddInt32(calls, 1)) <= n {
			return "", errTransient
		}
		return "ok", nil
	}
}

func TestExecuteWithRetry_SucceedsAfterFailures(t *testing.T) {
	var calls int32
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts:       5,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2,
		ShouldRetry:       alwaysRetry,
		sleep:             recordingSleep(&delays),
	}

	outcome := ExecuteWithRetry(context.Background(), policy, failingTimes(2, &calls))

	assert.True(t, outcome.Succeeded)
	assert.Equal(t, "ok", outcome.Value)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, StopSucceeded, outcome.Reason)
	assert.NoError(t, outcome.Err)
	assert.Equal(t, int32(3), calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)
}

func TestExecuteWithRetry_Exhausted(t *testing.T) {
	var calls int32
	var delays []time.Duration
	policy := RetryPolicy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		ShouldRetry: alwaysRetry,
		sleep:       recordingSleep(&delays),
	}

	outcome := ExecuteWithRetry(context.Background(), policy, failingTimes(2, &calls))

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Equal(t, StopExhausted, outcome.Reason)
	assert.True(t, IsExhausted(outcome.Err))
	assert.ErrorIs(t, outcome.Err, errTransient)
	assert.Equal(t, errTransient, outcome.LastErr)

	var exhausted *ExhaustedError
	require.ErrorAs(t, outcome.Err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)
}

func TestExecuteWithRetry_PredicateRefuses(t *testing.T) {
	var calls int32
	policy := RetryPolicy{
		MaxAttempts: 10,
		ShouldRetry: func(error) bool { return false },
	}

	outcome := ExecuteWithRetry(context.Background(), policy, failingTimes(5, &calls))

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, StopNotRetryable, outcome.Reason)
	assert.Equal(t, errTransient, outcome.Err, "original error is returned unchanged")
}

func TestExecuteWithRetry_NonRetryableClassification(t *testing.T) {
	calls := 0
	validation := appErrors.NewValidationError("malformed rule file")

	outcome := ExecuteWithRetry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		calls++
		return 0, validation
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Same(t, validation, outcome.Err)
}

func TestExecuteWithRetry_NeverRetriesRejections(t *testing.T) {
	calls := 0
	outcome := ExecuteWithRetry(context.Background(), RetryPolicy{MaxAttempts: 5}, func(ctx context.Context) (int, error) {
		calls++
		return 0, &RejectedError{Breaker: "github-rules", State: StateOpen}
	})

	assert.Equal(t, 1, calls)
	assert.True(t, IsRejected(outcome.Err))
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
	assert.Equal(t, 200*time.Millisecond, policy.Delay(2))
	assert.Equal(t, 400*time.Millisecond, policy.Delay(3))

	policy.MaxDelay = 250 * time.Millisecond
	assert.Equal(t, 250*time.Millisecond, policy.Delay(3))
}

func TestRetryPolicy_DelayWithJitter(t *testing.T) {
	policy := RetryPolicy{
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            true,
	}

	for attempt := 1; attempt <= 3; attempt++ {
		base := float64(100*time.Millisecond) * float64(int(1)<<(attempt-1))
		for i := 0; i < 200; i++ {
			delay := float64(policy.Delay(attempt))
			assert.GreaterOrEqual(t, delay, base*0.75)
			assert.LessOrEqual(t, delay, base*1.25)
		}
	}

	policy.random = func() float64 { return 0 }
	assert.Equal(t, 75*time.Millisecond, policy.Delay(1))
	policy.random = func() float64 { return 0.5 }
	assert.Equal(t, 100*time.Millisecond, policy.Delay(1))
}

func TestExecuteWithRetry_OnRetry(t *testing.T) {
	var calls int32
	var attempts []int
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		ShouldRetry: alwaysRetry,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
			assert.Equal(t, errTransient, err)
		},
		sleep: func(context.Context, time.Duration) error { return nil },
	}

	ExecuteWithRetry(context.Background(), policy, failingTimes(5, &calls))

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestExecuteWithRetry_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Hour,
		ShouldRetry: alwaysRetry,
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	outcome := ExecuteWithRetry(ctx, policy, failingTimes(10, &calls))

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StopCancelled, outcome.Reason)
	assert.Equal(t, 1, outcome.Attempts)
	assert.Equal(t, errTransient, outcome.Err, "last operation error is preserved")
}

func TestExecuteWithRetry_DeadlineSkipsFurtherAttempts(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var calls int32
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		ShouldRetry: alwaysRetry,
	}

	outcome := ExecuteWithRetry(ctx, policy, failingTimes(10, &calls))

	assert.Equal(t, StopCancelled, outcome.Reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecuteWithRetry_AttemptTimeout(t *testing.T) {
	var calls int32
	policy := RetryPolicy{
		MaxAttempts:    2,
		AttemptTimeout: 20 * time.Millisecond,
		sleep:          func(context.Context, time.Duration) error { return nil },
	}

	outcome := ExecuteWithRetry(context.Background(), policy, func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return "late", nil
	})

	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Attempts, "timeouts are retryable")
	assert.True(t, appErrors.IsType(outcome.LastErr, appErrors.ErrorTypeTimeout))
}

func TestWithTimeout_DiscardsLateResult(t *testing.T) {
	released := make(chan struct{})
	value, err := WithTimeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) (string, error) {
		defer close(released)
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	})

	assert.Empty(t, value)
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))

	// The operation still finishes; its result just goes nowhere.
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("operation never completed")
	}
}

func TestWithTimeout_ReturnsFastResult(t *testing.T) {
	value, err := WithTimeout(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestExternalServicePolicy(t *testing.T) {
	policy := ExternalServicePolicy()
	assert.Equal(t, 5, policy.MaxAttempts)
	assert.Equal(t, time.Second, policy.BaseDelay)
	assert.Equal(t, 30*time.Second, policy.MaxDelay)

	refused := []error{
		appErrors.NewAuthenticationError("bad token"),
		appErrors.NewAuthorizationError("forbidden"),
		appErrors.NewNotFoundError("rule set"),
		appErrors.NewValidationError("bad yaml"),
		appErrors.NewConfigurationError("missing repo"),
		appErrors.NewExternalError("github", "gone").WithRetryable(false),
	}
	for _, err := range refused {
		assert.False(t, policy.ShouldRetry(err), err.Error())
	}

	retried := []error{
		appErrors.NewExternalError("github", "502"),
		appErrors.NewNetworkError("connection reset"),
		appErrors.NewRateLimitError("slow down"),
		appErrors.NewTimeoutError("fetch"),
		errTransient,
	}
	for _, err := range retried {
		assert.True(t, policy.ShouldRetry(err), err.Error())
	}
}

func TestInProcessPolicy(t *testing.T) {
	policy := InProcessPolicy()
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, policy.BaseDelay)
	assert.Equal(t, 100*time.Millisecond, policy.MaxDelay)
	assert.False(t, policy.ShouldRetry(context.Canceled))
}
