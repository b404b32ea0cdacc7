package rules

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/metrics"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/tracing"
)

// Where a loaded rule set came from.
const (
	OriginCache         = "cache"
	OriginRemote        = "remote"
	OriginFallbackCache = "fallback_cache"
	OriginBuiltin       = "builtin"
)

// FallbackCacheName names the cache of last known good rule sets.
const FallbackCacheName = "rule_sets_fallback"

const preloadConcurrency = 4

// Result is a loaded rule set together with how it was obtained.
type Result struct {
	RuleSet *RuleSet
	Index   *Index
	Origin  string
	// Degraded is set when the requested rule set could not be served fresh
	// from the source or cache.
	Degraded bool
	Level    resilience.ServiceLevel
	Reason   string
}

// LoaderConfig wires a Loader. Source and Resilience are required; missing
// caches are created with their defaults.
type LoaderConfig struct {
	Source     Source
	Resilience *resilience.Resilience

	// RuleSets holds fresh rule sets and expires them after its TTL.
	RuleSets *cache.Cache[*RuleSet]
	// Fallback holds the last good copy of every rule set without expiry.
	Fallback *cache.Cache[*RuleSet]
	// Indexes holds compiled indexes keyed by rule set checksum.
	Indexes *cache.Cache[*Index]

	Policy         resilience.RetryPolicy
	BreakerOptions []resilience.BreakerOption

	// DisableBuiltinFallback stops the builtin rule set from standing in
	// for rule sets that could not be loaded.
	DisableBuiltinFallback bool

	Metrics *metrics.Metrics
	Tracing *tracing.TracingService
	Alerts  *resilience.ErrorAlertGenerator
}

// Loader serves rule sets, fetching them from the source through the
// resilience layer and falling back to cached or builtin rules when the
// source is unavailable.
type Loader struct {
	source     Source
	resilience *resilience.Resilience
	ruleSets   *cache.Cache[*RuleSet]
	fallback   *cache.Cache[*RuleSet]
	indexes    *cache.Cache[*Index]
	policy     resilience.RetryPolicy
	breakerOps []resilience.BreakerOption
	builtin    bool
	metrics    *metrics.Metrics
	tracer     *tracing.TracingService
	alerts     *resilience.ErrorAlertGenerator
	group      singleflight.Group
	logger     *logging.Logger
}

// NewLoader creates a loader and registers its caches with the resilience
// layer.
func NewLoader(config LoaderConfig) (*Loader, error) {
	if config.Source == nil {
		return nil, errors.NewConfigurationError("rule loader requires a source")
	}
	if config.Resilience == nil {
		return nil, errors.NewConfigurationError("rule loader requires a resilience layer")
	}

	if config.RuleSets == nil {
		config.RuleSets = cache.NewRuleSetCache[*RuleSet](0, 0)
	}
	if config.Fallback == nil {
		config.Fallback = cache.New[*RuleSet](cache.Config{
			Name:          FallbackCacheName,
			MaxSize:       cache.DefaultRuleSetMaxSize,
			SweepInterval: -1,
		})
	}
	if config.Indexes == nil {
		config.Indexes = cache.NewIndexCache[*Index](0, 0)
	}
	if config.Policy.MaxAttempts == 0 {
		config.Policy = resilience.ExternalServicePolicy()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.NewMetrics(&metrics.Config{Enabled: false}, nil)
	}
	if config.Tracing == nil {
		config.Tracing, _ = tracing.NewTracingService(&tracing.Config{Enabled: false, ServiceName: "rulegate"})
	}

	policy := config.Policy
	observe := config.Metrics.RetryObserver(config.Source.Name())
	if previous := policy.OnRetry; previous != nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			previous(attempt, err, delay)
			observe(attempt, err, delay)
		}
	} else {
		policy.OnRetry = observe
	}

	config.Resilience.RegisterCache(config.RuleSets.Name(), config.RuleSets)
	config.Resilience.RegisterCache(config.Fallback.Name(), config.Fallback)
	config.Resilience.RegisterCache(config.Indexes.Name(), config.Indexes)

	return &Loader{
		source:     config.Source,
		resilience: config.Resilience,
		ruleSets:   config.RuleSets,
		fallback:   config.Fallback,
		indexes:    config.Indexes,
		policy:     policy,
		breakerOps: config.BreakerOptions,
		builtin:    !config.DisableBuiltinFallback,
		metrics:    config.Metrics,
		tracer:     config.Tracing,
		alerts:     config.Alerts,
		logger:     logging.GetLogger(),
	}, nil
}

// Load returns the named rule set. Fresh cache entries are served directly;
// otherwise the rule set is fetched from the source, with concurrent loads
// of the same name sharing one fetch. When the source fails the loader
// serves the last good copy or the builtin set and marks the result as
// degraded. Load only fails when nothing can be served.
func (l *Loader) Load(ctx context.Context, name string) (*Result, error) {
	start := time.Now()
	ctx = logging.WithRuleSet(logging.EnsureCorrelationID(ctx), name)

	ctx, span := l.tracer.StartRuleLoadSpan(ctx, name)
	defer span.End()

	result, err := l.load(ctx, name)
	duration := time.Since(start)

	if err != nil {
		l.tracer.RecordError(span, err)
		l.logger.LogRuleLoad(ctx, name, "failed", duration, logrus.Fields{"error": err.Error()})
		return nil, err
	}

	span.SetAttributes(
		attribute.String("rules.origin", result.Origin),
		attribute.Bool("rules.degraded", result.Degraded),
		attribute.String("service.level", result.Level.String()),
	)
	l.metrics.RecordRuleLoad(name, result.Origin, duration)
	l.logger.LogRuleLoad(ctx, name, result.Origin, duration, logrus.Fields{
		"rules":    result.RuleSet.Len(),
		"checksum": result.RuleSet.Checksum,
		"degraded": result.Degraded,
		"level":    result.Level.String(),
	})
	return result, nil
}

func (l *Loader) load(ctx context.Context, name string) (*Result, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	if rs, ok := l.ruleSets.Value(name); ok {
		return l.result(rs, OriginCache, false, "")
	}

	status := l.resilience.CurrentStatus()
	if !status.Allows(resilience.FeatureRemoteRules) {
		return l.fallbackFor(ctx, name, status, nil)
	}

	value, err, shared := l.group.Do(name, func() (interface{}, error) {
		// The caller that started the flight may be cancelled while others
		// still wait, so the fetch does not inherit its cancellation.
		return l.fetch(context.WithoutCancel(ctx), name)
	})
	if shared {
		l.logger.Debug("Shared in-flight rule set fetch", "rule_set", name)
	}
	if err != nil {
		return l.handleFailure(ctx, name, err)
	}

	return l.result(value.(*RuleSet), OriginRemote, false, "")
}

// Refresh fetches the named rule set from the source even when a fresh
// copy is cached, replacing the cached copy on success. Failures are
// reported to the degradation manager but never fall back.
func (l *Loader) Refresh(ctx context.Context, name string) (*Result, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}

	status := l.resilience.CurrentStatus()
	if !status.Allows(resilience.FeatureRuleUpdates) {
		return nil, errors.NewExternalError(l.source.Name(),
			fmt.Sprintf("rule updates are unavailable at level %s", status.Level)).
			WithRetryable(false)
	}

	ctx = logging.WithRuleSet(logging.EnsureCorrelationID(ctx), name)
	rs, err := l.fetch(ctx, name)
	if err != nil {
		l.report(ctx, name, err)
		return nil, err
	}
	return l.result(rs, OriginRemote, false, "")
}

// Probe fetches name straight from the source, bypassing caches and the
// current service level. It is meant as the recovery probe of a
// resilience.StatusMonitor.
func (l *Loader) Probe(ctx context.Context, name string) error {
	_, err := l.fetch(ctx, name)
	return err
}

// Preload loads every named rule set concurrently. It returns the first
// error, after all loads have finished.
func (l *Loader) Preload(ctx context.Context, names []string) error {
	var g errgroup.Group
	g.SetLimit(preloadConcurrency)

	for _, name := range names {
		name := name
		g.Go(func() error {
			result, err := l.Load(ctx, name)
			if err != nil {
				return fmt.Errorf("preload %s: %w", name, err)
			}
			if result.Degraded {
				l.logger.Warn("Preloaded degraded rule set",
					"rule_set", name,
					"origin", result.Origin,
					"reason", result.Reason,
				)
			}
			return nil
		})
	}

	return g.Wait()
}

// Invalidate drops the fresh copy of a rule set so the next Load fetches
// it again. The fallback copy is kept.
func (l *Loader) Invalidate(name string) bool {
	return l.ruleSets.Invalidate(name)
}

// SaveSnapshot persists the fallback cache.
func (l *Loader) SaveSnapshot(ctx context.Context, store cache.SnapshotStore) error {
	return l.fallback.SaveTo(ctx, store)
}

// RestoreSnapshot loads previously saved fallback copies. Restored rule
// sets are only served when the source is unavailable.
func (l *Loader) RestoreSnapshot(ctx context.Context, store cache.SnapshotStore) (int, error) {
	return l.fallback.LoadFrom(ctx, store)
}

// Close stops the caches' background sweeps.
func (l *Loader) Close() {
	l.ruleSets.Close()
	l.fallback.Close()
	l.indexes.Close()
}

// fetch runs one guarded fetch-and-parse and writes the result through to
// both caches.
func (l *Loader) fetch(ctx context.Context, name string) (*RuleSet, error) {
	sourceName := l.source.Name()
	var attempts atomic.Int32

	outcome := resilience.Guard(ctx, l.resilience, sourceName, l.policy, func(ctx context.Context) (*RuleSet, error) {
		ctx, span := l.tracer.StartAttemptSpan(ctx, sourceName, int(attempts.Add(1)))
		defer span.End()

		data, err := l.source.Fetch(logging.WithDependency(ctx, sourceName), name)
		if err != nil {
			l.tracer.RecordError(span, err)
			return nil, err
		}

		rs, err := ParseRuleSet(name, data)
		if err != nil {
			l.tracer.RecordError(span, err)
			return nil, err
		}
		return rs, nil
	}, l.breakerOps...)

	l.metrics.RecordRetryOutcome(sourceName, outcome.Reason)
	if !outcome.Succeeded {
		return nil, outcome.Err
	}

	rs := outcome.Value
	l.ruleSets.Set(name, rs, cache.WithChecksum(rs.Checksum))
	l.fallback.Set(name, rs, cache.WithChecksum(rs.Checksum))

	l.logger.Info("Fetched rule set",
		"rule_set", name,
		"version", rs.Version,
		"rules", rs.Len(),
		"attempts", outcome.Attempts,
		"elapsed_ms", outcome.Elapsed.Milliseconds(),
	)
	return rs, nil
}

// handleFailure decides what to serve after a failed fetch.
func (l *Loader) handleFailure(ctx context.Context, name string, err error) (*Result, error) {
	if errors.IsType(err, errors.ErrorTypeConfiguration) {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, err
	}

	status := l.report(ctx, name, err)
	return l.fallbackFor(ctx, name, status, err)
}

// report hands a fetch failure to the degradation manager, alerts and
// metrics, and returns the resulting service status.
func (l *Loader) report(ctx context.Context, name string, err error) resilience.ServiceStatus {
	status := l.resilience.Degradation.HandleError(err)
	l.metrics.RecordError("rule_loader", err)
	if l.alerts != nil {
		l.alerts.HandleError(ctx, err, "rule_loader", map[string]interface{}{
			"rule_set": name,
			"level":    status.Level.String(),
		})
	}
	l.logger.LogError(ctx, err, "Rule set fetch failed", logrus.Fields{
		"rule_set": name,
		"level":    status.Level.String(),
	})
	return status
}

// fallbackFor serves the last good copy of name, or the builtin set for
// availability failures. err is nil when the fetch was skipped because the
// current service level does not allow remote rules.
func (l *Loader) fallbackFor(ctx context.Context, name string, status resilience.ServiceStatus, err error) (*Result, error) {
	reason := status.Reason
	if status.Level == resilience.LevelFull && err != nil {
		reason = err.Error()
	}

	if status.Allows(resilience.FeatureCachedRules) {
		if rs, ok := l.fallback.Value(name); ok {
			return l.result(rs, OriginFallbackCache, true, reason)
		}
	}

	if err != nil && isRequestError(err) {
		return nil, err
	}

	if l.builtin {
		l.logger.Warn("Serving builtin rule set",
			"rule_set", name,
			"level", status.Level.String(),
			"reason", reason,
		)
		return l.result(Builtin(), OriginBuiltin, true, reason)
	}

	if err == nil {
		err = errors.NewExternalError(l.source.Name(),
			fmt.Sprintf("remote rules are unavailable at level %s: %s", status.Level, status.Reason))
	}
	return nil, err
}

// isRequestError reports failures that are about the requested rule set
// itself rather than the availability of the source. These are never
// papered over with the builtin set.
func isRequestError(err error) bool {
	var rejected *resilience.RejectedError
	if stderrors.As(err, &rejected) {
		return false
	}
	switch errors.GetType(err) {
	case errors.ErrorTypeNotFound, errors.ErrorTypeValidation,
		errors.ErrorTypeAuthentication, errors.ErrorTypeAuthorization:
		return true
	}
	return false
}

func (l *Loader) result(rs *RuleSet, origin string, degraded bool, reason string) (*Result, error) {
	idx, err := l.index(rs)
	if err != nil {
		return nil, err
	}

	return &Result{
		RuleSet:  rs,
		Index:    idx,
		Origin:   origin,
		Degraded: degraded,
		Level:    l.resilience.CurrentStatus().Level,
		Reason:   reason,
	}, nil
}

// index returns the compiled index for rs, building it on a cache miss.
func (l *Loader) index(rs *RuleSet) (*Index, error) {
	if idx, ok := l.indexes.Value(rs.Checksum); ok {
		return idx, nil
	}

	idx, err := BuildIndex(rs)
	if err != nil {
		return nil, err
	}
	l.indexes.Set(rs.Checksum, idx)
	return idx, nil
}
