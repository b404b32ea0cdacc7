package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Defaults applied to zero-valued CircuitBreakerConfig fields.
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
)

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of failures in the closed state that
	// trips the breaker
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open after the last
	// failure before admitting probes
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls is both the number of probes admitted while half-open
	// and the number of consecutive successes needed to close again
	HalfOpenMaxCalls int
	// CallTimeout bounds each call. Zero means no limit.
	CallTimeout time.Duration
	// Interval is the cyclic period of the closed state after which the
	// failure count is cleared. Zero keeps failures until the breaker closes
	// from half-open or is reset.
	Interval time.Duration
	// ReadyToTrip is called with a copy of Counts whenever a request fails
	// in the closed state. If ReadyToTrip returns true, the circuit breaker
	// will be placed into the open state
	ReadyToTrip func(counts Counts) bool
	// OnStateChange is called whenever the state of the circuit breaker
	// changes, outside the breaker's lock
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// BreakerOption adjusts a CircuitBreakerConfig.
type BreakerOption func(*CircuitBreakerConfig)

// WithFailureThreshold sets the number of failures that trips the breaker.
func WithFailureThreshold(n int) BreakerOption {
	return func(c *CircuitBreakerConfig) { c.FailureThreshold = n }
}

// WithRecoveryTimeout sets how long the breaker stays open.
func WithRecoveryTimeout(d time.Duration) BreakerOption {
	return func(c *CircuitBreakerConfig) { c.RecoveryTimeout = d }
}

// WithHalfOpenMaxCalls sets the half-open probe budget.
func WithHalfOpenMaxCalls(n int) BreakerOption {
	return func(c *CircuitBreakerConfig) { c.HalfOpenMaxCalls = n }
}

// WithCallTimeout bounds each guarded call.
func WithCallTimeout(d time.Duration) BreakerOption {
	return func(c *CircuitBreakerConfig) { c.CallTimeout = d }
}

// Counts holds the numbers of requests and their successes/failures in the
// current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitStats is a point-in-time view of a breaker.
type CircuitStats struct {
	Name           string       `json:"name"`
	State          CircuitState `json:"state"`
	FailureCount   int          `json:"failure_count"`
	SuccessCount   uint64       `json:"success_count"`
	TotalCalls     uint64       `json:"total_calls"`
	RejectedCalls  uint64       `json:"rejected_calls"`
	HalfOpenProbes int          `json:"half_open_probes"`
	LastFailureAt  *time.Time   `json:"last_failure_at,omitempty"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`
}

type transition struct {
	from, to CircuitState
	failures int
}

// CircuitBreaker is a state machine to prevent sending requests that are likely to fail
type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	callTimeout      time.Duration
	interval         time.Duration
	readyToTrip      func(counts Counts) bool
	onStateChange    func(name string, from CircuitState, to CircuitState)
	now              func() time.Time

	mutex      sync.Mutex
	state      CircuitState
	generation uint64
	counts     Counts
	expiry     time.Time
	pending    []transition

	failureCount   int
	successCount   uint64
	totalCalls     uint64
	rejectedCalls  uint64
	halfOpenProbes int
	lastFailureAt  time.Time
	lastSuccessAt  time.Time

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultFailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultRecoveryTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultHalfOpenMaxCalls
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	cb := &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		recoveryTimeout:  config.RecoveryTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		callTimeout:      config.CallTimeout,
		interval:         config.Interval,
		onStateChange:    config.OnStateChange,
		now:              config.Now,
		logger:           logging.GetLogger(),
	}

	if config.ReadyToTrip == nil {
		threshold := uint32(config.FailureThreshold)
		cb.readyToTrip = func(counts Counts) bool {
			return counts.TotalFailures >= threshold
		}
	} else {
		cb.readyToTrip = config.ReadyToTrip
	}

	cb.toNewGeneration(cb.now())
	return cb
}

// Execute runs op if the circuit breaker accepts it. A refused call returns
// a *RejectedError without invoking op.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Call runs op through cb and returns its value.
func Call[T any](ctx context.Context, cb *CircuitBreaker, op Operation[T]) (T, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		var zero T
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	var value T
	if cb.callTimeout > 0 {
		value, err = WithTimeout(ctx, cb.callTimeout, op)
	} else {
		value, err = op(ctx)
	}
	cb.afterRequest(generation, err == nil)
	return value, err
}

// State returns the state the next call would observe. It never moves the
// breaker: OPEN becomes HALF_OPEN only when a call is admitted.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.peek(cb.now()).state
}

// Counts returns a copy of the counts of the current generation
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return cb.counts
}

// Stats returns a snapshot of the breaker's state and counters. Like State it
// has no side effects.
func (cb *CircuitBreaker) Stats() CircuitStats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	view := cb.peek(cb.now())
	stats := CircuitStats{
		Name:           cb.name,
		State:          view.state,
		FailureCount:   view.failureCount,
		SuccessCount:   cb.successCount,
		TotalCalls:     cb.totalCalls,
		RejectedCalls:  cb.rejectedCalls,
		HalfOpenProbes: view.halfOpenProbes,
	}
	if !cb.lastFailureAt.IsZero() {
		t := cb.lastFailureAt
		stats.LastFailureAt = &t
	}
	if !cb.lastSuccessAt.IsZero() {
		t := cb.lastSuccessAt
		stats.LastSuccessAt = &t
	}
	return stats
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset returns the breaker to a fresh closed state and zeroes its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.unlockAndNotify()

	now := cb.now()
	cb.setState(StateClosed, now)
	cb.toNewGeneration(now)
	cb.failureCount = 0
	cb.successCount = 0
	cb.totalCalls = 0
	cb.rejectedCalls = 0
	cb.lastFailureAt = time.Time{}
	cb.lastSuccessAt = time.Time{}
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.unlockAndNotify()

	state, generation := cb.currentState(cb.now())

	if state == StateOpen {
		cb.rejectedCalls++
		return generation, &RejectedError{Breaker: cb.name, State: state, Reason: "recovery timeout has not elapsed"}
	} else if state == StateHalfOpen && cb.halfOpenProbes >= cb.halfOpenMaxCalls {
		cb.rejectedCalls++
		return generation, &RejectedError{Breaker: cb.name, State: state, Reason: "probe capacity exhausted"}
	}

	if state == StateHalfOpen {
		cb.halfOpenProbes++
	}
	cb.counts.Requests++
	cb.totalCalls++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.unlockAndNotify()

	now := cb.now()
	if success {
		cb.successCount++
		cb.lastSuccessAt = now
	}

	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveSuccesses++
	cb.counts.ConsecutiveFailures = 0

	if state == StateHalfOpen && cb.counts.ConsecutiveSuccesses >= uint32(cb.halfOpenMaxCalls) {
		cb.setState(StateClosed, now)
	}
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	cb.counts.TotalFailures++
	cb.counts.ConsecutiveFailures++
	cb.counts.ConsecutiveSuccesses = 0
	cb.failureCount++
	cb.lastFailureAt = now

	if state == StateClosed {
		if cb.readyToTrip(cb.counts) {
			cb.setState(StateOpen, now)
		}
	} else if state == StateHalfOpen {
		cb.setState(StateOpen, now)
	}
}

type breakerView struct {
	state          CircuitState
	failureCount   int
	halfOpenProbes int
}

// peek reports what currentState would produce at now without applying it.
// Callers must hold the mutex.
func (cb *CircuitBreaker) peek(now time.Time) breakerView {
	view := breakerView{
		state:          cb.state,
		failureCount:   cb.failureCount,
		halfOpenProbes: cb.halfOpenProbes,
	}

	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			view.failureCount = 0
		}
	case StateOpen:
		if !now.Before(cb.expiry) {
			view.state = StateHalfOpen
			view.halfOpenProbes = 0
		}
	}
	return view
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
			cb.failureCount = 0
		}
	case StateOpen:
		if !now.Before(cb.expiry) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if state == StateClosed {
		cb.failureCount = 0
	}
	cb.toNewGeneration(now)

	cb.pending = append(cb.pending, transition{from: prev, to: state, failures: cb.failureCount})
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}
	cb.halfOpenProbes = 0

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.recoveryTimeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}

// unlockAndNotify releases the mutex and then reports transitions recorded
// while it was held, so hooks may call back into the breaker.
func (cb *CircuitBreaker) unlockAndNotify() {
	pending := cb.pending
	cb.pending = nil
	cb.mutex.Unlock()

	for _, t := range pending {
		cb.logger.LogStateChange(context.Background(), "circuit_breaker", cb.name,
			t.from.String(), t.to.String(), logrus.Fields{"failure_count": t.failures})

		if cb.onStateChange != nil {
			cb.onStateChange(cb.name, t.from, t.to)
		}
	}
}

// Registry owns named circuit breakers, creating them on first use.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
}

// NewRegistry creates a registry whose breakers start from defaults. The
// defaults' OnStateChange hook is shared by every breaker.
func NewRegistry(defaults CircuitBreakerConfig) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
	}
}

// Breaker returns the breaker for name, creating it with opts if it does not
// exist yet. Options are ignored for existing breakers.
func (r *Registry) Breaker(name string, opts ...BreakerOption) *CircuitBreaker {
	r.mutex.RLock()
	cb, ok := r.breakers[name]
	r.mutex.RUnlock()
	if ok {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.defaults
	config.Name = name
	for _, opt := range opts {
		opt(&config)
	}

	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Execute runs op through the breaker called name.
func (r *Registry) Execute(ctx context.Context, name string, op func(context.Context) error, opts ...BreakerOption) error {
	return r.Breaker(name, opts...).Execute(ctx, op)
}

// CallNamed runs op through the registry's breaker called name and returns
// its value.
func CallNamed[T any](ctx context.Context, r *Registry, name string, op Operation[T], opts ...BreakerOption) (T, error) {
	return Call(ctx, r.Breaker(name, opts...), op)
}

// Stats returns the stats of the breaker called name, if it exists.
func (r *Registry) Stats(name string) (CircuitStats, bool) {
	r.mutex.RLock()
	cb, ok := r.breakers[name]
	r.mutex.RUnlock()
	if !ok {
		return CircuitStats{}, false
	}
	return cb.Stats(), true
}

// AllStats returns the stats of every tracked breaker keyed by name.
func (r *Registry) AllStats() map[string]CircuitStats {
	stats := make(map[string]CircuitStats)
	for _, cb := range r.snapshot() {
		stats[cb.Name()] = cb.Stats()
	}
	return stats
}

// Reset resets the breaker called name and reports whether it existed.
func (r *Registry) Reset(name string) bool {
	r.mutex.RLock()
	cb, ok := r.breakers[name]
	r.mutex.RUnlock()
	if ok {
		cb.Reset()
	}
	return ok
}

// ResetAll resets every tracked breaker.
func (r *Registry) ResetAll() {
	for _, cb := range r.snapshot() {
		cb.Reset()
	}
}

func (r *Registry) snapshot() []*CircuitBreaker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	return breakers
}

// String implements fmt.Stringer for log output.
func (s CircuitStats) String() string {
	return fmt.Sprintf("%s[%s failures=%d calls=%d rejected=%d]",
		s.Name, s.State, s.FailureCount, s.TotalCalls, s.RejectedCalls)
}
