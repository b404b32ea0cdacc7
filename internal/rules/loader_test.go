package rules

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/cache"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/metrics"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/resilience"
)

const fakeSourceName = "fake-rules"

type fakeSource struct {
	mutex sync.Mutex
	files map[string]string
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func newFakeSource(files map[string]string) *fakeSource {
	return &fakeSource{files: files}
}

func (f *fakeSource) Name() string {
	return fakeSourceName
}

func (f *fakeSource) Fetch(ctx context.Context, ruleSet string) ([]byte, error) {
	f.calls.Add(1)

	f.mutex.Lock()
	gate := f.gate
	f.mutex.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.files[ruleSet]
	if !ok {
		return nil, errors.NewNotFoundError("rule set " + ruleSet)
	}
	return []byte(data), nil
}

func (f *fakeSource) fail(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}

func (f *fakeSource) setFile(name, content string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.files[name] = content
}

func testPolicy(attempts int) resilience.RetryPolicy {
	policy := resilience.ExternalServicePolicy()
	policy.MaxAttempts = attempts
	policy.BaseDelay = time.Millisecond
	policy.MaxDelay = time.Millisecond
	policy.Jitter = false
	policy.AttemptTimeout = 0
	return policy
}

func newTestResilience() *resilience.Resilience {
	return resilience.New(resilience.Config{
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		},
	})
}

func newTestLoader(t *testing.T, source Source, configure ...func(*LoaderConfig)) (*Loader, *resilience.Resilience) {
	t.Helper()
	res := newTestResilience()

	config := LoaderConfig{
		Source:     source,
		Resilience: res,
		RuleSets: cache.New[*RuleSet](cache.Config{
			Name: cache.RuleSetCacheName, MaxSize: 10, DefaultTTL: time.Hour, SweepInterval: -1,
		}),
		Fallback: cache.New[*RuleSet](cache.Config{
			Name: FallbackCacheName, MaxSize: 10, SweepInterval: -1,
		}),
		Indexes: cache.New[*Index](cache.Config{
			Name: cache.IndexCacheName, MaxSize: 10, SweepInterval: -1,
		}),
		Policy: testPolicy(2),
	}
	for _, fn := range configure {
		fn(&config)
	}

	loader, err := NewLoader(config)
	require.NoError(t, err)
	t.Cleanup(loader.Close)
	return loader, res
}

func TestNewLoader_RequiresDependencies(t *testing.T) {
	_, err := NewLoader(LoaderConfig{Resilience: newTestResilience()})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	_, err = NewLoader(LoaderConfig{Source: newFakeSource(nil)})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestNewLoader_RegistersCaches(t *testing.T) {
	_, res := newTestLoader(t, newFakeSource(nil))
	assert.Equal(t, []string{cache.IndexCacheName, cache.RuleSetCacheName, FallbackCacheName}, res.CacheNames())
}

func TestLoader_LoadFromSourceThenCache(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, _ := newTestLoader(t, source)

	result, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginRemote, result.Origin)
	assert.False(t, result.Degraded)
	assert.Equal(t, resilience.LevelFull, result.Level)
	assert.Empty(t, result.Reason)
	assert.Equal(t, 3, result.Index.Len())

	again, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, again.Origin)
	assert.Same(t, result.RuleSet, again.RuleSet)
	assert.Same(t, result.Index, again.Index, "index is reused by checksum")
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestLoader_ConcurrentLoadsShareFetch(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	source.gate = make(chan struct{})
	loader, _ := newTestLoader(t, source)

	const callers = 10
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := loader.Load(context.Background(), "default")
			assert.NoError(t, err)
			results[i] = result
		}(i)
	}

	require.Eventually(t, func() bool { return source.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(source.gate)
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, results[0].RuleSet.Checksum, result.RuleSet.Checksum)
	}
}

func TestLoader_FallsBackToLastGoodCopy(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, res := newTestLoader(t, source)

	fresh, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	require.True(t, loader.Invalidate("default"))

	source.fail(errors.NewRuleSourceError(fakeSourceName, "upstream returned HTTP 502"))

	result, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginFallbackCache, result.Origin)
	assert.True(t, result.Degraded)
	assert.Equal(t, resilience.LevelDegraded, result.Level)
	assert.Contains(t, result.Reason, fakeSourceName)
	assert.Equal(t, fresh.RuleSet.Checksum, result.RuleSet.Checksum)
	assert.Equal(t, int32(3), source.calls.Load(), "one success and two failed attempts")

	// Remote rules are off while degraded, so the source is not asked again.
	result, err = loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginFallbackCache, result.Origin)
	assert.Equal(t, int32(3), source.calls.Load())

	assert.False(t, res.CurrentStatus().Allows(resilience.FeatureRemoteRules))
	require.Len(t, res.DegradationHistory(), 1)
}

func TestLoader_FallsBackToBuiltin(t *testing.T) {
	source := newFakeSource(map[string]string{})
	source.fail(errors.NewNetworkError("connection refused").WithDetail("service", fakeSourceName))
	loader, _ := newTestLoader(t, source)

	result, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginBuiltin, result.Origin)
	assert.Equal(t, BuiltinRuleSetName, result.RuleSet.Name)
	assert.True(t, result.Degraded)
	assert.Equal(t, resilience.LevelMinimal, result.Level)
	assert.Contains(t, result.Reason, "network unavailable")
	assert.NotNil(t, result.Index)
}

func TestLoader_DisableBuiltinFallback(t *testing.T) {
	source := newFakeSource(map[string]string{})
	source.fail(errors.NewNetworkError("connection refused"))
	loader, _ := newTestLoader(t, source, func(c *LoaderConfig) {
		c.DisableBuiltinFallback = true
	})

	_, err := loader.Load(context.Background(), "default")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNetwork))
	assert.True(t, resilience.IsExhausted(err))

	calls := source.calls.Load()
	_, err = loader.Load(context.Background(), "other")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
	assert.Contains(t, err.Error(), "MINIMAL")
	assert.Equal(t, calls, source.calls.Load(), "source is skipped at MINIMAL")
}

func TestLoader_OpenBreakerDegradesService(t *testing.T) {
	source := newFakeSource(map[string]string{})
	source.fail(stderrors.New("unclassified failure"))
	loader, res := newTestLoader(t, source, func(c *LoaderConfig) {
		c.Policy = testPolicy(1)
	})

	for i := 0; i < 3; i++ {
		result, err := loader.Load(context.Background(), "default")
		require.NoError(t, err)
		assert.Equal(t, OriginBuiltin, result.Origin)
		assert.Equal(t, resilience.LevelFull, result.Level, "unclassified errors do not degrade")
	}

	stats, ok := res.Breakers.Stats(fakeSourceName)
	require.True(t, ok)
	assert.Equal(t, resilience.StateOpen, stats.State)

	result, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginBuiltin, result.Origin)
	assert.Equal(t, resilience.LevelDegraded, result.Level)
	assert.Equal(t, "external service unavailable: "+fakeSourceName, result.Reason)
	assert.Equal(t, int32(3), source.calls.Load(), "rejected call never reaches the source")
}

func TestLoader_ConfigurationErrorSurfaces(t *testing.T) {
	source := newFakeSource(map[string]string{})
	source.fail(errors.NewConfigurationError("rule source credentials missing"))
	loader, res := newTestLoader(t, source)

	_, err := loader.Load(context.Background(), "default")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
	assert.Equal(t, resilience.LevelFull, res.CurrentStatus().Level)
}

func TestLoader_NotFoundIsNotMasked(t *testing.T) {
	source := newFakeSource(map[string]string{})
	loader, res := newTestLoader(t, source)

	_, err := loader.Load(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
	assert.Equal(t, resilience.LevelFull, res.CurrentStatus().Level)
	assert.Equal(t, int32(1), source.calls.Load(), "not found is not retried")
}

func TestLoader_InvalidName(t *testing.T) {
	source := newFakeSource(map[string]string{})
	loader, _ := newTestLoader(t, source)

	_, err := loader.Load(context.Background(), "../etc/passwd")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestLoader_MalformedUpdateKeepsLastGoodCopy(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, res := newTestLoader(t, source)

	_, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	loader.Invalidate("default")

	source.setFile("default", "rules: [unterminated")

	result, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginFallbackCache, result.Origin)
	assert.Equal(t, resilience.LevelFull, result.Level)
	assert.Contains(t, result.Reason, "malformed rule set")
	assert.Equal(t, resilience.LevelFull, res.CurrentStatus().Level)
}

func TestLoader_Refresh(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, _ := newTestLoader(t, source)

	first, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)

	source.setFile("default", "version: \"2\"\nrules:\n  - id: NEW-1\n    pattern: todo\n")
	refreshed, err := loader.Refresh(context.Background(), "default")
	require.NoError(t, err)
	assert.NotEqual(t, first.RuleSet.Checksum, refreshed.RuleSet.Checksum)
	assert.Equal(t, "2", refreshed.RuleSet.Version)

	cached, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, cached.Origin)
	assert.Equal(t, refreshed.RuleSet.Checksum, cached.RuleSet.Checksum)
}

func TestLoader_RefreshUnavailableWhileDegraded(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, res := newTestLoader(t, source)

	res.Degradation.HandleError(errors.NewRuleSourceError(fakeSourceName, "down"))

	_, err := loader.Refresh(context.Background(), "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule updates are unavailable")
	assert.Equal(t, int32(0), source.calls.Load())
}

func TestLoader_ProbeBypassesLevel(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, res := newTestLoader(t, source)

	res.Degradation.HandleError(errors.NewRuleSourceError(fakeSourceName, "down"))
	require.NoError(t, loader.Probe(context.Background(), "default"))
	assert.Equal(t, int32(1), source.calls.Load())

	source.fail(errors.NewRuleSourceError(fakeSourceName, "still down"))
	assert.Error(t, loader.Probe(context.Background(), "default"))
	assert.Len(t, res.DegradationHistory(), 1, "probe failures are not reported")
}

func TestLoader_SnapshotRoundTrip(t *testing.T) {
	store := cache.NewFileStore(filepath.Join(t.TempDir(), "rules.json"))

	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, _ := newTestLoader(t, source)
	fresh, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	require.NoError(t, loader.SaveSnapshot(context.Background(), store))

	offline := newFakeSource(map[string]string{})
	offline.fail(errors.NewRuleSourceError(fakeSourceName, "unreachable"))
	restarted, _ := newTestLoader(t, offline)

	restored, err := restarted.RestoreSnapshot(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	result, err := restarted.Load(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, OriginFallbackCache, result.Origin)
	assert.Equal(t, fresh.RuleSet.Checksum, result.RuleSet.Checksum)
	assert.Equal(t, 3, result.Index.Len())
}

func TestLoader_Preload(t *testing.T) {
	source := newFakeSource(map[string]string{"default": defaultRules, "python": defaultRules})
	loader, _ := newTestLoader(t, source)

	require.NoError(t, loader.Preload(context.Background(), []string{"default", "python"}))

	result, err := loader.Load(context.Background(), "python")
	require.NoError(t, err)
	assert.Equal(t, OriginCache, result.Origin)

	err = loader.Preload(context.Background(), []string{"default", "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preload missing")
}

func TestLoader_RecordsMetricsAndAlerts(t *testing.T) {
	m := metrics.NewMetrics(&metrics.Config{Namespace: "test", Enabled: true}, prometheus.NewRegistry())
	am := resilience.NewAlertManager()
	handler := &recordingAlertHandler{}
	am.AddHandler(handler)

	source := newFakeSource(map[string]string{"default": defaultRules})
	loader, _ := newTestLoader(t, source, func(c *LoaderConfig) {
		c.Metrics = m
		c.Alerts = resilience.NewErrorAlertGenerator(am)
	})

	_, err := loader.Load(context.Background(), "default")
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), "default")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleLoadsTotal.WithLabelValues("default", OriginRemote)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleLoadsTotal.WithLabelValues("default", OriginCache)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryOutcomesTotal.WithLabelValues(fakeSourceName, string(resilience.StopSucceeded))))

	source.fail(errors.NewRuleSourceError(fakeSourceName, "down"))
	_, err = loader.Load(context.Background(), "python")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryAttemptsTotal.WithLabelValues(fakeSourceName)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryOutcomesTotal.WithLabelValues(fakeSourceName, string(resilience.StopExhausted))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("rule_loader", string(errors.ErrorTypeExternal))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RuleLoadsTotal.WithLabelValues("python", OriginBuiltin)))

	alerts := handler.received()
	require.Len(t, alerts, 1)
	assert.Equal(t, "Retries Exhausted", alerts[0].Title)
	assert.Equal(t, "rule_loader", alerts[0].Source)
	assert.Equal(t, "python", alerts[0].Metadata["rule_set"])
	assert.Equal(t, "DEGRADED", alerts[0].Metadata["level"])
}

type recordingAlertHandler struct {
	mutex  sync.Mutex
	alerts []resilience.Alert
}

func (h *recordingAlertHandler) HandleAlert(ctx context.Context, alert resilience.Alert) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.alerts = append(h.alerts, alert)
	return nil
}

func (h *recordingAlertHandler) Name() string {
	return "recording"
}

func (h *recordingAlertHandler) received() []resilience.Alert {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]resilience.Alert(nil), h.alerts...)
}
