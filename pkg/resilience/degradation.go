package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// ServiceLevel is the global capability tier of the service
type ServiceLevel int

const (
	// LevelFull - every feature is available
	LevelFull ServiceLevel = iota
	// LevelDegraded - optional features backed by failing dependencies are off
	LevelDegraded
	// LevelMinimal - only locally available rules are served
	LevelMinimal
	// LevelEmergency - only the builtin rule set is served
	LevelEmergency
)

func (l ServiceLevel) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelDegraded:
		return "DEGRADED"
	case LevelMinimal:
		return "MINIMAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the level by name.
func (l ServiceLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText decodes a level name written by MarshalText.
func (l *ServiceLevel) UnmarshalText(text []byte) error {
	for level := LevelFull; level <= LevelEmergency; level++ {
		if level.String() == string(text) {
			*l = level
			return nil
		}
	}
	return fmt.Errorf("unknown service level %q", text)
}

// Features advertised in service status manifests.
const (
	FeatureBuiltinRules      = "builtin-rules"
	FeatureCachedRules       = "cached-rules"
	FeatureRemoteRules       = "remote-rules"
	FeatureCustomRules       = "custom-rules"
	FeatureRuleUpdates       = "rule-updates"
	FeatureDeepAnalysis      = "deep-analysis"
	FeatureCrossFileAnalysis = "cross-file-analysis"
	FeatureAutofix           = "autofix-suggestions"
)

// AllFeatures lists every feature in manifest order.
var AllFeatures = []string{
	FeatureBuiltinRules,
	FeatureCachedRules,
	FeatureRemoteRules,
	FeatureCustomRules,
	FeatureRuleUpdates,
	FeatureDeepAnalysis,
	FeatureCrossFileAnalysis,
	FeatureAutofix,
}

// Defaults for DegradationConfig.
const (
	DefaultStabilityWindow = 30 * time.Minute
	DefaultHistoryLimit    = 50
)

// ServiceStatus is the current capability manifest. A status is never
// modified after it is built; changes replace it.
type ServiceStatus struct {
	Level               ServiceLevel `json:"level"`
	AvailableFeatures   []string     `json:"available_features"`
	UnavailableFeatures []string     `json:"unavailable_features"`
	Reason              string       `json:"reason,omitempty"`
	EstimatedRecoveryAt *time.Time   `json:"estimated_recovery_at,omitempty"`
	Since               time.Time    `json:"since"`
}

// NewServiceStatus builds a status at level with every feature except the
// unavailable ones. Feature lists keep AllFeatures order.
func NewServiceStatus(level ServiceLevel, unavailable []string, reason string, eta *time.Time, now time.Time) ServiceStatus {
	off := make(map[string]bool, len(unavailable))
	for _, feature := range unavailable {
		off[feature] = true
	}

	status := ServiceStatus{
		Level:               level,
		AvailableFeatures:   []string{},
		UnavailableFeatures: []string{},
		Reason:              reason,
		EstimatedRecoveryAt: eta,
		Since:               now,
	}
	for _, feature := range AllFeatures {
		if off[feature] {
			status.UnavailableFeatures = append(status.UnavailableFeatures, feature)
		} else {
			status.AvailableFeatures = append(status.AvailableFeatures, feature)
		}
	}
	return status
}

// FullStatus is the status of a healthy service.
func FullStatus(now time.Time) ServiceStatus {
	return NewServiceStatus(LevelFull, nil, "", nil, now)
}

// Allows reports whether feature is available.
func (s ServiceStatus) Allows(feature string) bool {
	for _, f := range s.AvailableFeatures {
		if f == feature {
			return true
		}
	}
	return false
}

// DegradationEvent records a status change.
type DegradationEvent struct {
	Timestamp time.Time    `json:"timestamp"`
	Level     ServiceLevel `json:"level"`
	Reason    string       `json:"reason"`
	Strategy  string       `json:"strategy,omitempty"`
}

// DegradationStrategy maps a class of errors to a service status.
type DegradationStrategy struct {
	Name        string
	Description string
	AppliesTo   func(err error) bool
	Produce     func(err error, now time.Time) ServiceStatus
}

// DefaultStrategies returns the rule loading policy table, most severe first.
func DefaultStrategies() []DegradationStrategy {
	return []DegradationStrategy{
		{
			Name:        "critical_failure",
			Description: "Critical failures leave only the builtin rule set",
			AppliesTo:   errors.IsCritical,
			Produce: func(err error, now time.Time) ServiceStatus {
				unavailable := make([]string, 0, len(AllFeatures)-1)
				for _, feature := range AllFeatures {
					if feature != FeatureBuiltinRules {
						unavailable = append(unavailable, feature)
					}
				}
				return NewServiceStatus(LevelEmergency, unavailable,
					fmt.Sprintf("critical failure: %v", err), nil, now)
			},
		},
		{
			Name:        "external_service_unavailable",
			Description: "An unreachable rule source disables remote rule packs and updates",
			AppliesTo: func(err error) bool {
				return errors.IsType(err, errors.ErrorTypeExternal) ||
					errors.IsType(err, errors.ErrorTypeRateLimit) ||
					errors.IsType(err, errors.ErrorTypeTimeout)
			},
			Produce: func(err error, now time.Time) ServiceStatus {
				eta := now.Add(5 * time.Minute)
				return NewServiceStatus(LevelDegraded,
					[]string{FeatureRemoteRules, FeatureCustomRules, FeatureRuleUpdates},
					fmt.Sprintf("external service unavailable: %s", DependencyName(err)), &eta, now)
			},
		},
		{
			Name:        "resource_exhaustion",
			Description: "Resource pressure disables expensive analysis passes",
			AppliesTo: func(err error) bool {
				return errors.IsType(err, errors.ErrorTypeResourceExhaustion)
			},
			Produce: func(err error, now time.Time) ServiceStatus {
				eta := now.Add(10 * time.Minute)
				return NewServiceStatus(LevelDegraded,
					[]string{FeatureDeepAnalysis, FeatureCrossFileAnalysis, FeatureAutofix},
					fmt.Sprintf("resource exhaustion: %v", err), &eta, now)
			},
		},
		{
			Name:        "network_unavailable",
			Description: "Without a network only cached and builtin rules are served",
			AppliesTo: func(err error) bool {
				return errors.IsType(err, errors.ErrorTypeNetwork)
			},
			Produce: func(err error, now time.Time) ServiceStatus {
				unavailable := make([]string, 0, len(AllFeatures)-2)
				for _, feature := range AllFeatures {
					if feature != FeatureBuiltinRules && feature != FeatureCachedRules {
						unavailable = append(unavailable, feature)
					}
				}
				eta := now.Add(15 * time.Minute)
				return NewServiceStatus(LevelMinimal, unavailable,
					fmt.Sprintf("network unavailable: %v", err), &eta, now)
			},
		},
	}
}

// DependencyName extracts the failing dependency from err, falling back to a
// generic label.
func DependencyName(err error) string {
	var rejected *RejectedError
	if stderrors.As(err, &rejected) {
		return rejected.Breaker
	}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		if service := appErr.Details["service"]; service != "" {
			return service
		}
	}
	return "unknown dependency"
}

// DegradationConfig holds configuration for the degradation manager
type DegradationConfig struct {
	// StabilityWindow is how long after the last degradation AttemptRecovery
	// waits before restoring full service
	StabilityWindow time.Duration
	// HistoryLimit caps the event history
	HistoryLimit int
	// Strategies are evaluated in order; the first match fires. Nil selects
	// DefaultStrategies.
	Strategies []DegradationStrategy
	// OnLevelChange is called outside the lock when the level changes
	OnLevelChange func(from, to ServiceStatus)
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

// DegradationManager owns the current service status and maps errors onto it.
type DegradationManager struct {
	stabilityWindow time.Duration
	historyLimit    int
	strategies      []DegradationStrategy
	onLevelChange   func(from, to ServiceStatus)
	now             func() time.Time

	mutex          sync.RWMutex
	current        ServiceStatus
	history        []DegradationEvent
	lastDegradedAt time.Time

	logger *logging.Logger
}

// NewDegradationManager creates a manager at full service.
func NewDegradationManager(config DegradationConfig) *DegradationManager {
	if config.StabilityWindow <= 0 {
		config.StabilityWindow = DefaultStabilityWindow
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}
	if config.Strategies == nil {
		config.Strategies = DefaultStrategies()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &DegradationManager{
		stabilityWindow: config.StabilityWindow,
		historyLimit:    config.HistoryLimit,
		strategies:      config.Strategies,
		onLevelChange:   config.OnLevelChange,
		now:             config.Now,
		current:         FullStatus(config.Now()),
		history:         make([]DegradationEvent, 0, config.HistoryLimit),
		logger:          logging.GetLogger(),
	}
}

// HandleError applies the first matching strategy to err and returns the
// resulting status. Errors that match no strategy, and unrecoverable errors
// such as configuration errors, leave the status unchanged.
func (dm *DegradationManager) HandleError(err error) ServiceStatus {
	if err == nil || !errors.IsRecoverable(err) {
		return dm.CurrentStatus()
	}

	now := dm.now()
	strategy, status, ok := dm.evaluate(err, now)
	if !ok {
		dm.logger.Debug("No degradation strategy matched",
			"error", err,
			"error_type", string(errors.GetType(err)),
		)
		return dm.CurrentStatus()
	}

	dm.mutex.Lock()
	previous := dm.current
	dm.current = status
	dm.lastDegradedAt = now
	dm.appendEvent(DegradationEvent{
		Timestamp: now,
		Level:     status.Level,
		Reason:    status.Reason,
		Strategy:  strategy.Name,
	})
	dm.mutex.Unlock()

	dm.logger.LogStateChange(context.Background(), "degradation", strategy.Name,
		previous.Level.String(), status.Level.String(),
		logrus.Fields{
			"reason":      status.Reason,
			"unavailable": status.UnavailableFeatures,
		})

	dm.notify(previous, status)
	return status
}

// evaluate finds the first strategy that applies to err. A strategy that
// panics is skipped.
func (dm *DegradationManager) evaluate(err error, now time.Time) (strategy DegradationStrategy, status ServiceStatus, ok bool) {
	for _, s := range dm.strategies {
		matched, produced := dm.try(s, err, now)
		if matched {
			return s, produced, true
		}
	}
	return DegradationStrategy{}, ServiceStatus{}, false
}

func (dm *DegradationManager) try(s DegradationStrategy, err error, now time.Time) (matched bool, status ServiceStatus) {
	defer func() {
		if r := recover(); r != nil {
			dm.logger.Error("Degradation strategy panicked",
				"strategy", s.Name,
				"panic", fmt.Sprint(r),
			)
			matched = false
		}
	}()

	if s.AppliesTo == nil || s.Produce == nil || !s.AppliesTo(err) {
		return false, ServiceStatus{}
	}
	return true, s.Produce(err, now)
}

func (dm *DegradationManager) appendEvent(event DegradationEvent) {
	dm.history = append(dm.history, event)
	if overflow := len(dm.history) - dm.historyLimit; overflow > 0 {
		dm.history = append(dm.history[:0], dm.history[overflow:]...)
	}
}

func (dm *DegradationManager) notify(from, to ServiceStatus) {
	if dm.onLevelChange != nil && from.Level != to.Level {
		dm.onLevelChange(from, to)
	}
}

// CurrentStatus returns the live status
func (dm *DegradationManager) CurrentStatus() ServiceStatus {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()
	return dm.current
}

// AttemptRecovery restores full service once more than the stability window
// has elapsed since the last degradation. It reports whether the service is at full
// level afterwards.
func (dm *DegradationManager) AttemptRecovery() bool {
	return dm.recover(nil)
}

// AttemptRecoveryWithProbe is AttemptRecovery that additionally requires
// probe to succeed before restoring full service.
func (dm *DegradationManager) AttemptRecoveryWithProbe(ctx context.Context, probe func(context.Context) error) bool {
	return dm.recover(func() error { return probe(ctx) })
}

func (dm *DegradationManager) recover(probe func() error) bool {
	dm.mutex.RLock()
	level := dm.current.Level
	since := dm.lastDegradedAt
	dm.mutex.RUnlock()

	if level == LevelFull {
		return true
	}
	if dm.now().Sub(since) <= dm.stabilityWindow {
		return false
	}

	if probe != nil {
		if err := probe(); err != nil {
			dm.logger.Info("Recovery probe failed, staying degraded",
				"level", level.String(),
				"error", err,
			)
			return false
		}
	}

	return dm.restore("recovered after stability window", since)
}

// restore returns to full service unless another degradation happened after
// expectedSince.
func (dm *DegradationManager) restore(reason string, expectedSince time.Time) bool {
	now := dm.now()

	dm.mutex.Lock()
	if !dm.lastDegradedAt.Equal(expectedSince) {
		dm.mutex.Unlock()
		return false
	}
	previous := dm.current
	dm.current = FullStatus(now)
	dm.appendEvent(DegradationEvent{Timestamp: now, Level: LevelFull, Reason: reason})
	dm.mutex.Unlock()

	dm.logger.LogStateChange(context.Background(), "degradation", "recovery",
		previous.Level.String(), LevelFull.String(), logrus.Fields{"reason": reason})

	dm.notify(previous, dm.CurrentStatus())
	return true
}

// Reset restores full service immediately.
func (dm *DegradationManager) Reset() {
	dm.mutex.RLock()
	since := dm.lastDegradedAt
	level := dm.current.Level
	dm.mutex.RUnlock()

	if level != LevelFull {
		dm.restore("administrative reset", since)
	}
}

// History returns recorded events, oldest first.
func (dm *DegradationManager) History() []DegradationEvent {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	history := make([]DegradationEvent, len(dm.history))
	copy(history, dm.history)
	return history
}

// Strategies returns the configured strategies in evaluation order.
func (dm *DegradationManager) Strategies() []DegradationStrategy {
	strategies := make([]DegradationStrategy, len(dm.strategies))
	copy(strategies, dm.strategies)
	return strategies
}
