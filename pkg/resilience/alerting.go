package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/agentscan-rulegate/pkg/errors"
	"github.com/NikhilSetiya/agentscan-rulegate/pkg/logging"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s AlertSeverity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManager manages alert generation and routing
type AlertManager struct {
	handlers []AlertHandler
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Rate limiting
	rateMutex     sync.Mutex
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
	now           func() time.Time
}

// NewAlertManager creates a new alert manager
func NewAlertManager() *AlertManager {
	return &AlertManager{
		handlers:      make([]AlertHandler, 0),
		logger:        logging.GetLogger(),
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     100, // 100 alerts per source per reset interval
		resetInterval: time.Hour,
		now:           time.Now,
	}
}

// SetRateLimit changes how many alerts each source may send per interval.
func (am *AlertManager) SetRateLimit(limit int, interval time.Duration) {
	am.rateMutex.Lock()
	defer am.rateMutex.Unlock()

	am.rateLimit = limit
	am.resetInterval = interval
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.checkRateLimit(alert.Source) {
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = am.now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	am.logger.Debug("Sending alert",
		"id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

func (am *AlertManager) checkRateLimit(source string) bool {
	am.rateMutex.Lock()
	defer am.rateMutex.Unlock()

	now := am.now()
	if now.Sub(am.lastReset) >= am.resetInterval {
		am.alertCounts = make(map[string]int)
		am.lastReset = now
	}

	count := am.alertCounts[source]
	if count >= am.rateLimit {
		return false
	}

	am.alertCounts[source] = count + 1
	return true
}

// CircuitStateChanged alerts on a breaker transition. Its signature matches
// CircuitBreakerConfig.OnStateChange.
func (am *AlertManager) CircuitStateChanged(name string, from, to CircuitState) {
	severity := SeverityInfo
	switch to {
	case StateOpen:
		severity = SeverityError
	case StateHalfOpen:
		severity = SeverityWarning
	}

	alert := Alert{
		Severity:    severity,
		Title:       "Circuit Breaker State Changed",
		Description: fmt.Sprintf("Circuit breaker '%s' moved from %s to %s", name, from, to),
		Source:      "circuit_breaker",
		Tags: map[string]string{
			"breaker":        name,
			"previous_state": from.String(),
			"current_state":  to.String(),
		},
	}

	if err := am.SendAlert(context.Background(), alert); err != nil {
		am.logger.Error("Failed to send circuit breaker alert", "breaker", name, "error", err)
	}
}

// LevelChanged alerts on a service level change. Its signature matches
// DegradationConfig.OnLevelChange.
func (am *AlertManager) LevelChanged(from, to ServiceStatus) {
	var severity AlertSeverity
	switch to.Level {
	case LevelFull:
		severity = SeverityInfo
	case LevelDegraded:
		severity = SeverityWarning
	case LevelMinimal:
		severity = SeverityError
	case LevelEmergency:
		severity = SeverityCritical
	}

	metadata := map[string]interface{}{
		"unavailable_features": to.UnavailableFeatures,
	}
	if to.EstimatedRecoveryAt != nil {
		metadata["estimated_recovery_at"] = *to.EstimatedRecoveryAt
	}

	alert := Alert{
		Severity:    severity,
		Title:       "Service Level Changed",
		Description: fmt.Sprintf("Service level changed from %s to %s: %s", from.Level, to.Level, to.Reason),
		Source:      "degradation_manager",
		Tags: map[string]string{
			"previous_level": from.Level.String(),
			"current_level":  to.Level.String(),
		},
		Metadata: metadata,
	}

	if err := am.SendAlert(context.Background(), alert); err != nil {
		am.logger.Error("Failed to send degradation alert", "error", err)
	}
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler() *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.GetLogger(),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"title", alert.Title,
		"description", alert.Description,
		"timestamp", alert.Timestamp,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// ErrorAlertGenerator generates alerts from errors
type ErrorAlertGenerator struct {
	alertManager *AlertManager
	logger       *logging.Logger
}

// NewErrorAlertGenerator creates a new error alert generator
func NewErrorAlertGenerator(alertManager *AlertManager) *ErrorAlertGenerator {
	return &ErrorAlertGenerator{
		alertManager: alertManager,
		logger:       logging.GetLogger(),
	}
}

// HandleError processes an error and generates appropriate alerts
func (eag *ErrorAlertGenerator) HandleError(ctx context.Context, err error, source string, metadata map[string]interface{}) {
	if err == nil {
		return
	}

	alert := Alert{
		Severity:    eag.determineSeverity(err),
		Title:       eag.generateTitle(err),
		Description: err.Error(),
		Source:      source,
		Tags:        eag.generateTags(err),
		Metadata:    metadata,
	}

	if alertErr := eag.alertManager.SendAlert(ctx, alert); alertErr != nil {
		eag.logger.Error("Failed to send error alert",
			"original_error", err,
			"alert_error", alertErr,
			"source", source,
		)
	}
}

func (eag *ErrorAlertGenerator) determineSeverity(err error) AlertSeverity {
	if IsRejected(err) {
		return SeverityError
	}

	switch errors.GetSeverity(err) {
	case errors.SeverityCritical:
		return SeverityCritical
	case errors.SeverityHigh:
		return SeverityError
	case errors.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (eag *ErrorAlertGenerator) generateTitle(err error) string {
	if IsRejected(err) {
		return "Dependency Unavailable"
	}
	if IsExhausted(err) {
		return "Retries Exhausted"
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeTimeout:
		return "Operation Timeout"
	case errors.ErrorTypeExternal:
		return "External Service Error"
	case errors.ErrorTypeNetwork:
		return "Network Error"
	case errors.ErrorTypeRateLimit:
		return "Rate Limited"
	case errors.ErrorTypeResourceExhaustion:
		return "Resource Exhaustion"
	case errors.ErrorTypeConfiguration:
		return "Configuration Error"
	case errors.ErrorTypeValidation:
		return "Validation Error"
	case errors.ErrorTypeAuthentication:
		return "Authentication Error"
	case errors.ErrorTypeAuthorization:
		return "Authorization Error"
	default:
		return fmt.Sprintf("Error: %s", errors.GetCode(err))
	}
}

func (eag *ErrorAlertGenerator) generateTags(err error) map[string]string {
	tags := map[string]string{
		"error_type": string(errors.GetType(err)),
		"error_code": errors.GetCode(err),
		"severity":   errors.GetSeverity(err).String(),
	}

	if IsRejected(err) {
		tags["circuit_breaker"] = DependencyName(err)
	}

	return tags
}

// StatusMonitor periodically attempts recovery from degraded service and
// alerts on level changes it observes.
type StatusMonitor struct {
	alertManager       *AlertManager
	degradationManager *DegradationManager
	probe              func(context.Context) error
	logger             *logging.Logger

	checkInterval time.Duration
	lastLevel     ServiceLevel
	stopChan      chan struct{}
	doneChan      chan struct{}
	running       bool
	mutex         sync.Mutex
}

// NewStatusMonitor creates a monitor. A nil probe uses time-only recovery.
func NewStatusMonitor(alertManager *AlertManager, degradationManager *DegradationManager, interval time.Duration, probe func(context.Context) error) *StatusMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &StatusMonitor{
		alertManager:       alertManager,
		degradationManager: degradationManager,
		probe:              probe,
		logger:             logging.GetLogger(),
		checkInterval:      interval,
		lastLevel:          degradationManager.CurrentStatus().Level,
	}
}

// Start starts the monitoring loop
func (sm *StatusMonitor) Start(ctx context.Context) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.running {
		return
	}

	sm.running = true
	sm.stopChan = make(chan struct{})
	sm.doneChan = make(chan struct{})
	go sm.monitorLoop(ctx, sm.stopChan, sm.doneChan)
	sm.logger.Info("Status monitor started", "interval", sm.checkInterval.String())
}

// Stop stops the monitoring loop and waits for it to exit
func (sm *StatusMonitor) Stop() {
	sm.mutex.Lock()
	if !sm.running {
		sm.mutex.Unlock()
		return
	}
	close(sm.stopChan)
	done := sm.doneChan
	sm.running = false
	sm.mutex.Unlock()

	<-done
	sm.logger.Info("Status monitor stopped")
}

func (sm *StatusMonitor) monitorLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(sm.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			sm.Check(ctx)
		}
	}
}

// Check runs one monitoring pass: it attempts recovery and, when no
// level-change hook already reported it, alerts on a level change.
func (sm *StatusMonitor) Check(ctx context.Context) {
	if sm.probe != nil {
		sm.degradationManager.AttemptRecoveryWithProbe(ctx, sm.probe)
	} else {
		sm.degradationManager.AttemptRecovery()
	}

	current := sm.degradationManager.CurrentStatus()

	sm.mutex.Lock()
	previous := sm.lastLevel
	sm.lastLevel = current.Level
	sm.mutex.Unlock()

	if previous != current.Level && sm.degradationManager.onLevelChange == nil {
		sm.alertManager.LevelChanged(ServiceStatus{Level: previous}, current)
	}
}
