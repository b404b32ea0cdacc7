package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

// CircuitSource is satisfied by *resilience.Resilience.
type CircuitSource interface {
	AllCircuitStats() map[string]resilience.CircuitStats
}

// BreakerChecker reports degraded while any breaker is not closed.
type BreakerChecker struct {
	source CircuitSource
	name   string
}

// NewBreakerChecker creates a new circuit breaker health checker
func NewBreakerChecker(source CircuitSource, name string) *BreakerChecker {
	return &BreakerChecker{source: source, name: name}
}

// Check performs the circuit breaker health check
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "all circuit breakers closed",
		Metadata:  make(map[string]string),
	}

	var tripped []string
	for name, stats := range bc.source.AllCircuitStats() {
		check.Metadata[name] = stats.State.String()
		if stats.State != resilience.StateClosed {
			tripped = append(tripped, name)
		}
	}

	if len(tripped) > 0 {
		sort.Strings(tripped)
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("circuit breakers not closed: %s", strings.Join(tripped, ", "))
	}

	check.Duration = time.Since(start)
	return check
}

// StatusSource is satisfied by *resilience.Resilience and
// *resilience.DegradationManager.
type StatusSource interface {
	CurrentStatus() resilience.ServiceStatus
}

// DegradationChecker maps the service level onto a health status. Only
// EMERGENCY is unhealthy; the other reduced levels still serve rules.
type DegradationChecker struct {
	source StatusSource
	name   string
}

// NewDegradationChecker creates a new degradation health checker
func NewDegradationChecker(source StatusSource, name string) *DegradationChecker {
	return &DegradationChecker{source: source, name: name}
}

// Check performs the degradation health check
func (dc *DegradationChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	status := dc.source.CurrentStatus()

	check := &Check{
		Name:      dc.name,
		Timestamp: start,
		Metadata: map[string]string{
			"level": status.Level.String(),
			"since": status.Since.Format(time.RFC3339),
		},
	}
	if len(status.UnavailableFeatures) > 0 {
		check.Metadata["unavailable_features"] = strings.Join(status.UnavailableFeatures, ",")
	}
	if status.EstimatedRecoveryAt != nil {
		check.Metadata["estimated_recovery_at"] = status.EstimatedRecoveryAt.Format(time.RFC3339)
	}

	switch status.Level {
	case resilience.LevelFull:
		check.Status = StatusHealthy
		check.Message = "full service"
	case resilience.LevelEmergency:
		check.Status = StatusUnhealthy
		check.Message = status.Reason
	default:
		check.Status = StatusDegraded
		check.Message = status.Reason
	}

	check.Duration = time.Since(start)
	return check
}

// CacheStatsSource is satisfied by *resilience.Resilience.
type CacheStatsSource interface {
	CacheStats() map[string]cache.Stats
}

// CacheChecker reports cache occupancy and hit rates. Caches have no failure
// mode of their own, so the check is always healthy.
type CacheChecker struct {
	source CacheStatsSource
	name   string
}

// NewCacheChecker creates a new cache health checker
func NewCacheChecker(source CacheStatsSource, name string) *CacheChecker {
	return &CacheChecker{source: source, name: name}
}

// Check performs the cache health check
func (cc *CacheChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "caches available",
		Metadata:  make(map[string]string),
	}

	for name, stats := range cc.source.CacheStats() {
		check.Metadata[name+"_size"] = fmt.Sprintf("%d/%d", stats.Size, stats.MaxSize)
		check.Metadata[name+"_hit_rate"] = fmt.Sprintf("%.2f", stats.HitRate())
	}

	check.Duration = time.Since(start)
	return check
}

// RedisChecker checks connectivity of the Redis snapshot store. Losing it
// only affects persistence, so failures report degraded.
type RedisChecker struct {
	client *redis.Client
	name   string
}

// NewRedisChecker creates a new Redis health checker
func NewRedisChecker(client *redis.Client, name string) *RedisChecker {
	return &RedisChecker{
		client: client,
		name:   name,
	}
}

// Check performs Redis health check
func (rc *RedisChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      rc.name,
		Timestamp: start,
	}

	if rc.client == nil {
		check.Status = StatusDegraded
		check.Error = "redis connection is nil"
		check.Duration = time.Since(start)
		return check
	}

	if err := rc.client.Ping(ctx).Err(); err != nil {
		check.Status = StatusDegraded
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	stats := rc.client.PoolStats()
	check.Status = StatusHealthy
	check.Message = "redis is healthy"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{
		"total_connections": fmt.Sprintf("%d", stats.TotalConns),
		"idle_connections":  fmt.Sprintf("%d", stats.IdleConns),
		"stale_connections": fmt.Sprintf("%d", stats.StaleConns),
	}

	return check
}
