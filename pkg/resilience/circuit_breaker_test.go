package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errDependency = errors.New("dependency failed")

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errDependency }

func newTestBreaker(clock *fakeClock) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "github-rules",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 2,
		Now:              clock.Now,
	})
}

func tripBreaker(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		require.ErrorIs(t, cb.Execute(context.Background(), fail), errDependency)
	}
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for i := 0; i < 5; i++ {
		value, err := Call(context.Background(), cb, func(ctx context.Context) (string, error) {
			return "success", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "success", value)
	}

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint64(5), stats.SuccessCount)
	assert.Equal(t, uint64(5), stats.TotalCalls)
	assert.NotNil(t, stats.LastSuccessAt)
	assert.Nil(t, stats.LastFailureAt)
}

func TestCircuitBreaker_TripsAtThreshold(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	tripBreaker(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, Counts{Requests: 2, TotalFailures: 2, ConsecutiveFailures: 2}, cb.Counts())

	tripBreaker(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, 3, cb.Stats().FailureCount)
	assert.Equal(t, Counts{}, cb.Counts(), "opening starts a new generation")
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	tripBreaker(t, cb, 3)

	clock.Advance(30 * time.Second)

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.False(t, invoked, "operation must not run while open")
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "service unavailable")
	assert.Contains(t, err.Error(), "github-rules")

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, StateOpen, rejected.State)
	assert.Equal(t, uint64(1), cb.Stats().RejectedCalls)
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	tripBreaker(t, cb, 3)

	clock.Advance(time.Minute)

	invoked := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, invoked)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.Equal(t, 1, cb.Stats().HalfOpenProbes)
}

func TestCircuitBreaker_ClosesAfterConsecutiveProbeSuccesses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	tripBreaker(t, cb, 3)
	clock.Advance(time.Minute)

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Stats().FailureCount)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	tripBreaker(t, cb, 3)
	clock.Advance(time.Minute)

	require.NoError(t, cb.Execute(context.Background(), succeed))
	require.ErrorIs(t, cb.Execute(context.Background(), fail), errDependency)
	assert.Equal(t, StateOpen, cb.State())

	// The recovery clock restarts from the probe failure.
	clock.Advance(59 * time.Second)
	assert.True(t, IsRejected(cb.Execute(context.Background(), succeed)))

	clock.Advance(time.Second)
	assert.NoError(t, cb.Execute(context.Background(), succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	tripBreaker(t, cb, 3)
	clock.Advance(time.Minute)

	release := make(chan struct{})
	var admitted int32
	var wg sync.WaitGroup
	errs := make(chan error, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- cb.Execute(context.Background(), func(context.Context) error {
				atomic.AddInt32(&admitted, 1)
				<-release
				return nil
			})
		}()
	}

	assert.Eventually(t, func() bool {
		return cb.Stats().RejectedCalls == 8
	}, time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()
	close(errs)

	assert.Equal(t, int32(2), atomic.LoadInt32(&admitted))

	rejected := 0
	for err := range errs {
		if IsRejected(err) {
			rejected++
			assert.Contains(t, err.Error(), "probe capacity exhausted")
		}
	}
	assert.Equal(t, 8, rejected)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_NoDecayByDefault(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)

	tripBreaker(t, cb, 2)
	for i := 0; i < 100; i++ {
		require.NoError(t, cb.Execute(context.Background(), succeed))
		clock.Advance(time.Hour)
	}
	assert.Equal(t, 2, cb.Stats().FailureCount)

	tripBreaker(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IntervalDecaysClosedFailures(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "decaying",
		FailureThreshold: 3,
		Interval:         time.Minute,
		Now:              clock.Now,
	})

	tripBreaker(t, cb, 2)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 0, cb.Stats().FailureCount)

	tripBreaker(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CountsEveryFailureKind(t *testing.T) {
	cb := newTestBreaker(newFakeClock())

	for _, err := range []error{
		appErrors.NewValidationError("bad"),
		appErrors.NewNotFoundError("rule set"),
		appErrors.NewNetworkError("reset"),
	} {
		err := err
		_ = cb.Execute(context.Background(), func(context.Context) error { return err })
	}

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_CallTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "slow",
		FailureThreshold: 1,
		CallTimeout:      10 * time.Millisecond,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})

	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeTimeout))
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "panicky", FailureThreshold: 1})

	assert.Panics(t, func() {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			panic("boom")
		})
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newTestBreaker(newFakeClock())
	tripBreaker(t, cb, 3)

	cb.Reset()

	stats := cb.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 0, stats.FailureCount)
	assert.Equal(t, uint64(0), stats.TotalCalls)
	assert.NoError(t, cb.Execute(context.Background(), succeed))
}

func TestCircuitBreaker_StateChangeHook(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string

	var cb *CircuitBreaker
	cb = NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "hooked",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			// Hooks run outside the lock and may inspect the breaker.
			_ = cb.Stats()
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	tripBreaker(t, cb, 1)
	clock.Advance(time.Second)
	require.NoError(t, cb.Execute(context.Background(), succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestRegistry_StatsHaveNoSideEffects(t *testing.T) {
	clock := newFakeClock()
	var mu sync.Mutex
	var transitions []string

	registry := NewRegistry(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})
	_ = registry.Execute(context.Background(), "github-rules", fail)
	clock.Advance(2 * time.Minute)

	for i := 0; i < 3; i++ {
		all := registry.AllStats()
		assert.Equal(t, StateHalfOpen, all["github-rules"].State)
		assert.Equal(t, 0, all["github-rules"].HalfOpenProbes)
		assert.Equal(t, StateHalfOpen, registry.Breaker("github-rules").State())
	}

	mu.Lock()
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions, "reads must not move the breaker")
	mu.Unlock()

	// The transition happens when a call is admitted.
	require.NoError(t, registry.Execute(context.Background(), "github-rules", succeed))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	registry := NewRegistry(CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Minute,
		Now:              clock.Now,
	})

	assert.Same(t, registry.Breaker("a"), registry.Breaker("a"))

	_, ok := registry.Stats("missing")
	assert.False(t, ok)

	for i := 0; i < 2; i++ {
		_ = registry.Execute(context.Background(), "a", fail)
	}
	value, err := CallNamed(context.Background(), registry, "b", func(context.Context) (int, error) {
		return 7, nil
	}, WithFailureThreshold(10))
	require.NoError(t, err)
	assert.Equal(t, 7, value)

	all := registry.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, StateOpen, all["a"].State)
	assert.Equal(t, StateClosed, all["b"].State)

	assert.True(t, IsRejected(registry.Execute(context.Background(), "a", succeed)))

	assert.True(t, registry.Reset("a"))
	assert.False(t, registry.Reset("missing"))
	stats, ok := registry.Stats("a")
	require.True(t, ok)
	assert.Equal(t, StateClosed, stats.State)

	_ = registry.Execute(context.Background(), "a", fail)
	_ = registry.Execute(context.Background(), "a", fail)
	registry.ResetAll()
	for _, s := range registry.AllStats() {
		assert.Equal(t, StateClosed, s.State)
		assert.Equal(t, 0, s.FailureCount)
	}
}

func TestRegistry_ConcurrentLazyCreation(t *testing.T) {
	registry := NewRegistry(CircuitBreakerConfig{})

	var wg sync.WaitGroup
	breakers := make([]*CircuitBreaker, 20)
	for i := range breakers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			breakers[i] = registry.Breaker("shared")
		}(i)
	}
	wg.Wait()

	for _, cb := range breakers {
		assert.Same(t, breakers[0], cb)
	}
}
