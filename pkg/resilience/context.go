package resilience

import (
	"context"
	"sort"
	"sync"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
)

// CacheStatsProvider is implemented by *cache.Cache[T] for any T.
type CacheStatsProvider interface {
	Stats() cache.Stats
}

// Config configures a Resilience instance.
type Config struct {
	// Breaker holds the defaults for every breaker in the registry
	Breaker CircuitBreakerConfig
	// Degradation configures the degradation manager
	Degradation DegradationConfig
	// Alerts, when set, receives breaker transitions and level changes
	Alerts *AlertManager
}

// Resilience owns the breaker registry, the degradation manager and the
// registered caches for one service instance.
type Resilience struct {
	Breakers    *Registry
	Degradation *DegradationManager
	Alerts      *AlertManager

	mutex  sync.RWMutex
	caches map[string]CacheStatsProvider
}

// New builds a Resilience instance, chaining alert hooks after any hooks
// already present in config.
func New(config Config) *Resilience {
	if config.Alerts != nil {
		config.Breaker.OnStateChange = chainStateHooks(config.Breaker.OnStateChange, config.Alerts.CircuitStateChanged)
		config.Degradation.OnLevelChange = chainLevelHooks(config.Degradation.OnLevelChange, config.Alerts.LevelChanged)
	}

	return &Resilience{
		Breakers:    NewRegistry(config.Breaker),
		Degradation: NewDegradationManager(config.Degradation),
		Alerts:      config.Alerts,
		caches:      make(map[string]CacheStatsProvider),
	}
}

func chainStateHooks(hooks ...func(string, CircuitState, CircuitState)) func(string, CircuitState, CircuitState) {
	return func(name string, from, to CircuitState) {
		for _, hook := range hooks {
			if hook != nil {
				hook(name, from, to)
			}
		}
	}
}

func chainLevelHooks(hooks ...func(ServiceStatus, ServiceStatus)) func(ServiceStatus, ServiceStatus) {
	return func(from, to ServiceStatus) {
		for _, hook := range hooks {
			if hook != nil {
				hook(from, to)
			}
		}
	}
}

// RegisterCache makes a cache's stats visible through CacheStats.
func (r *Resilience) RegisterCache(name string, c CacheStatsProvider) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.caches[name] = c
}

// Guard runs op through the named breaker inside a retry loop. Rejections
// from an open breaker are never retried by the default predicates.
func Guard[T any](ctx context.Context, r *Resilience, name string, policy RetryPolicy, op Operation[T], opts ...BreakerOption) RetryOutcome[T] {
	breaker := r.Breakers.Breaker(name, opts...)
	return ExecuteWithRetry(ctx, policy, func(ctx context.Context) (T, error) {
		return Call(ctx, breaker, op)
	})
}

// CurrentStatus returns the live service status.
func (r *Resilience) CurrentStatus() ServiceStatus {
	return r.Degradation.CurrentStatus()
}

// DegradationHistory returns the degradation events, oldest first.
func (r *Resilience) DegradationHistory() []DegradationEvent {
	return r.Degradation.History()
}

// AllCircuitStats returns every breaker's stats keyed by name.
func (r *Resilience) AllCircuitStats() map[string]CircuitStats {
	return r.Breakers.AllStats()
}

// CacheStats returns the stats of every registered cache keyed by name.
func (r *Resilience) CacheStats() map[string]cache.Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]cache.Stats, len(r.caches))
	for name, c := range r.caches {
		stats[name] = c.Stats()
	}
	return stats
}

// CacheNames returns registered cache names in sorted order.
func (r *Resilience) CacheNames() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.caches))
	for name := range r.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResetAll closes every breaker and restores full service. Caches are left
// untouched.
func (r *Resilience) ResetAll() {
	r.Breakers.ResetAll()
	r.Degradation.Reset()
}
