// Package resilience protects calls to unreliable dependencies such as the
// remote rule source and decides what the service can still offer when they
// fail.
//
// # Circuit Breaker
//
// Each named dependency gets a breaker that trips after FailureThreshold
// failures, rejects calls with a *RejectedError while open, and admits up to
// HalfOpenMaxCalls probes once RecoveryTimeout has passed since the last
// failure.
//
//	registry := resilience.NewRegistry(resilience.CircuitBreakerConfig{
//		FailureThreshold: 5,
//		RecoveryTimeout:  time.Minute,
//		HalfOpenMaxCalls: 3,
//	})
//
//	ruleSet, err := resilience.CallNamed(ctx, registry, "github-rules", fetch)
//
// # Retry with Exponential Backoff
//
// ExecuteWithRetry returns a RetryOutcome instead of an error so callers can
// see how many attempts were made and why the loop stopped.
//
//	outcome := resilience.ExecuteWithRetry(ctx, resilience.ExternalServicePolicy(), fetch)
//	if !outcome.Succeeded {
//		return outcome.Err
//	}
//
// # Graceful Degradation
//
// The DegradationManager maps classified errors onto one of four service
// levels, each with a manifest of available features.
//
//	status := degradation.HandleError(err)
//	if !status.Allows(resilience.FeatureRemoteRules) {
//		return builtinRules, nil
//	}
//
// # Wiring
//
// A Resilience value owns the registry, the degradation manager and the
// registered caches for a service instance, and exposes them for status
// reporting. Guard combines a breaker and a retry policy.
//
//	r := resilience.New(resilience.Config{Alerts: alerts})
//	outcome := resilience.Guard(ctx, r, "github-rules", resilience.ExternalServicePolicy(), fetch)
package resilience
