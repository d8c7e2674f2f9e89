package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bastionlabs/bastion/pkg/alerting"
	"github.com/bastionlabs/bastion/pkg/logging"
	"github.com/bastionlabs/bastion/pkg/metrics"
)

// DegradationLevel orders system degradation from normal operation to
// critical. Levels only escalate on failures; recoveries recompute the level
// from scratch.
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelMinor
	LevelModerate
	LevelSevere
	LevelCritical
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ServiceClass determines how much a service's failure degrades the system
type ServiceClass string

const (
	ClassEssential  ServiceClass = "essential"
	ClassOptional   ServiceClass = "optional"
	ClassBackground ServiceClass = "background"
)

// Trigger condition names matched against degradation rules
const (
	TriggerEssentialServiceFailed = "essential_service_failed"
	TriggerMultipleServicesFailed = "multiple_services_failed"
	TriggerOptionalServiceFailed  = "optional_service_failed"
)

// Built-in action names runnable from degradation rules
const (
	ActionActivateEmergencyMode       = "activate_emergency_mode"
	ActionNotifyAdministrators        = "notify_administrators"
	ActionActivateFallbacks           = "activate_fallbacks"
	ActionDisableNonEssentialFeatures = "disable_non_essential_features"
	ActionActivateFallback            = "activate_fallback"
	ActionLogDegradation              = "log_degradation"
)

// multipleFailureThreshold is the failed-service count that escalates the
// system to moderate degradation
const multipleFailureThreshold = 3

// maxStateHistory bounds the retained degradation state snapshots
const maxStateHistory = 100

// DegradationRule maps a trigger condition to a target level and the actions
// to execute. Lower Priority values are evaluated first.
type DegradationRule struct {
	TriggerCondition string
	Level            DegradationLevel
	Actions          []string
	Priority         int
}

// ActionFunc is a degradation or recovery action invoked with the service
// that triggered it.
type ActionFunc func(ctx context.Context, service string)

// StateSnapshot is one entry of the degradation history
type StateSnapshot struct {
	Timestamp        time.Time        `json:"timestamp"`
	Level            DegradationLevel `json:"level"`
	LevelName        string           `json:"level_name"`
	Reason           string           `json:"reason"`
	FailedServices   []string         `json:"failed_services"`
	DegradedServices []string         `json:"degraded_services"`
	ActiveFallbacks  []string         `json:"active_fallbacks"`
	DisabledFeatures []string         `json:"disabled_features"`
}

// SystemStatus is the exported view of the controller's current state
type SystemStatus struct {
	Level            DegradationLevel `json:"level"`
	LevelName        string           `json:"level_name"`
	Reason           string           `json:"reason"`
	FailedServices   []string         `json:"failed_services"`
	DegradedServices []string         `json:"degraded_services"`
	ActiveFallbacks  []string         `json:"active_fallbacks"`
	DisabledFeatures []string         `json:"disabled_features"`
	LastUpdate       time.Time        `json:"last_update"`
}

// DegradationController tracks system-wide degradation state, applies
// degradation rules on service failures, and manages feature availability
// through the feature dependency graph. It observes the RecoveryManager.
type DegradationController struct {
	mu sync.Mutex

	level            DegradationLevel
	reason           string
	lastUpdate       time.Time
	failedServices   map[string]struct{}
	degradedServices map[string]struct{}
	activeFallbacks  map[string]struct{}
	disabledFeatures map[string]struct{}

	rules           []DegradationRule
	classifications map[string]ServiceClass

	// featureServices maps feature name to the services it requires;
	// serviceFeatures is the reverse edge set
	featureServices map[string]map[string]struct{}
	serviceFeatures map[string]map[string]struct{}

	degradationActions map[string]ActionFunc
	recoveryActions    map[string]ActionFunc
	suspendBackground  func(ctx context.Context, service string)

	history []StateSnapshot

	fallbacks *FallbackManager
	alerts    *alerting.Manager
	metrics   *metrics.Metrics
	logger    *logging.Logger

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDegradationController creates a controller with the default rule set
func NewDegradationController(fallbacks *FallbackManager, alerts *alerting.Manager, logger *logging.Logger) *DegradationController {
	if logger == nil {
		logger = logging.GetLogger()
	}
	dc := &DegradationController{
		level:              LevelNormal,
		failedServices:     make(map[string]struct{}),
		degradedServices:   make(map[string]struct{}),
		activeFallbacks:    make(map[string]struct{}),
		disabledFeatures:   make(map[string]struct{}),
		classifications:    make(map[string]ServiceClass),
		featureServices:    make(map[string]map[string]struct{}),
		serviceFeatures:    make(map[string]map[string]struct{}),
		degradationActions: make(map[string]ActionFunc),
		recoveryActions:    make(map[string]ActionFunc),
		fallbacks:          fallbacks,
		alerts:             alerts,
		logger:             logger,
	}
	dc.installDefaultRules()
	return dc
}

func (dc *DegradationController) installDefaultRules() {
	dc.rules = []DegradationRule{
		{
			TriggerCondition: TriggerEssentialServiceFailed,
			Level:            LevelSevere,
			Actions:          []string{ActionActivateEmergencyMode, ActionNotifyAdministrators},
			Priority:         1,
		},
		{
			TriggerCondition: TriggerMultipleServicesFailed,
			Level:            LevelModerate,
			Actions:          []string{ActionActivateFallbacks, ActionDisableNonEssentialFeatures},
			Priority:         2,
		},
		{
			TriggerCondition: TriggerOptionalServiceFailed,
			Level:            LevelMinor,
			Actions:          []string{ActionActivateFallback, ActionLogDegradation},
			Priority:         3,
		},
	}
}

// SetMetrics attaches a metrics collector
func (dc *DegradationController) SetMetrics(m *metrics.Metrics) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.metrics = m
}

// SetBackgroundSuspendHook installs the hook used to suspend background
// services during emergency mode.
func (dc *DegradationController) SetBackgroundSuspendHook(fn func(ctx context.Context, service string)) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.suspendBackground = fn
}

// ClassifyService records a service's classification. Unclassified services
// default to optional.
func (dc *DegradationController) ClassifyService(name string, class ServiceClass) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.classifications[name] = class
}

// AddDegradationRule adds a rule, keeping the rule list sorted by priority
func (dc *DegradationController) AddDegradationRule(rule DegradationRule) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.rules = append(dc.rules, rule)
	sort.SliceStable(dc.rules, func(i, j int) bool {
		return dc.rules[i].Priority < dc.rules[j].Priority
	})
}

// RegisterFeature declares a feature and the services it depends on. The
// dependency graph is maintained in both directions.
func (dc *DegradationController) RegisterFeature(feature string, services ...string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	deps, ok := dc.featureServices[feature]
	if !ok {
		deps = make(map[string]struct{})
		dc.featureServices[feature] = deps
	}
	for _, svc := range services {
		deps[svc] = struct{}{}
		feats, ok := dc.serviceFeatures[svc]
		if !ok {
			feats = make(map[string]struct{})
			dc.serviceFeatures[svc] = feats
		}
		feats[feature] = struct{}{}
	}
}

// RegisterDegradationAction registers a named action runnable from rules
func (dc *DegradationController) RegisterDegradationAction(name string, fn ActionFunc) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.degradationActions[name] = fn
}

// RegisterRecoveryAction registers an action run when a service recovers
func (dc *DegradationController) RegisterRecoveryAction(name string, fn ActionFunc) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.recoveryActions[name] = fn
}

// OnServiceFailure implements RecoveryObserver
func (dc *DegradationController) OnServiceFailure(ctx context.Context, name string, err error) {
	dc.HandleServiceFailure(ctx, name, err)
}

// OnServiceRecovery implements RecoveryObserver
func (dc *DegradationController) OnServiceRecovery(ctx context.Context, name string) {
	dc.HandleServiceRecovery(ctx, name)
}

// HandleServiceFailure records a failed service, evaluates degradation rules
// and escalates the system level when a matching rule's level exceeds the
// current one. Background service failures never degrade the system.
func (dc *DegradationController) HandleServiceFailure(ctx context.Context, name string, failure error) {
	dc.mu.Lock()
	dc.failedServices[name] = struct{}{}
	dc.lastUpdate = time.Now()

	class, ok := dc.classifications[name]
	if !ok {
		class = ClassOptional
	}

	trigger := ""
	switch {
	case class == ClassEssential:
		trigger = TriggerEssentialServiceFailed
	case class == ClassBackground:
		// Background failures are logged but never degrade the system
	case len(dc.failedServices) >= multipleFailureThreshold:
		trigger = TriggerMultipleServicesFailed
	default:
		trigger = TriggerOptionalServiceFailed
	}

	var matched *DegradationRule
	if trigger != "" {
		for i := range dc.rules {
			if dc.rules[i].TriggerCondition == trigger {
				matched = &dc.rules[i]
				break
			}
		}
	}

	escalated := false
	if matched != nil && matched.Level > dc.level {
		dc.level = matched.Level
		dc.reason = fmt.Sprintf("service %s failed (%s)", name, trigger)
		escalated = true
	}
	var actions []string
	if matched != nil {
		actions = append(actions, matched.Actions...)
	}
	dc.mu.Unlock()

	dc.logger.WithError(failure).WithFields(map[string]interface{}{
		"service":   name,
		"class":     string(class),
		"trigger":   trigger,
		"escalated": escalated,
	}).Warn("Degradation controller handling failure")

	for _, action := range actions {
		dc.executeDegradationAction(ctx, action, name)
	}

	dc.mu.Lock()
	dc.updateFeatureAvailabilityLocked()
	dc.snapshotLocked()
	dc.reportMetricsLocked()
	dc.mu.Unlock()
}

// HandleServiceRecovery records a recovered service, deactivates its
// fallback, re-enables features, and recomputes the degradation level from
// scratch.
func (dc *DegradationController) HandleServiceRecovery(ctx context.Context, name string) {
	dc.mu.Lock()
	delete(dc.failedServices, name)
	delete(dc.degradedServices, name)
	hadFallback := false
	if _, ok := dc.activeFallbacks[name]; ok {
		delete(dc.activeFallbacks, name)
		hadFallback = true
	}
	dc.lastUpdate = time.Now()
	recoveryActions := make(map[string]ActionFunc, len(dc.recoveryActions))
	for k, v := range dc.recoveryActions {
		recoveryActions[k] = v
	}
	dc.mu.Unlock()

	if hadFallback && dc.fallbacks != nil {
		dc.fallbacks.DeactivateFallback(ctx, name)
	}
	for _, fn := range recoveryActions {
		fn(ctx, name)
	}

	dc.mu.Lock()
	dc.recomputeLevelLocked(fmt.Sprintf("service %s recovered", name))
	dc.updateFeatureAvailabilityLocked()
	dc.snapshotLocked()
	dc.reportMetricsLocked()
	dc.mu.Unlock()

	dc.logger.Info("Degradation controller handled recovery", "service", name)
}

// executeDegradationAction runs one named action, preferring registered
// overrides over the built-ins.
func (dc *DegradationController) executeDegradationAction(ctx context.Context, action, service string) {
	dc.mu.Lock()
	custom, ok := dc.degradationActions[action]
	dc.mu.Unlock()
	if ok {
		custom(ctx, service)
		return
	}

	switch action {
	case ActionActivateEmergencyMode:
		dc.activateEmergencyMode(ctx)
	case ActionNotifyAdministrators:
		dc.notifyAdministrators(ctx, service)
	case ActionActivateFallbacks:
		dc.activateAllFallbacks(ctx)
	case ActionDisableNonEssentialFeatures:
		dc.disableNonEssentialFeatures()
	case ActionActivateFallback:
		dc.activateServiceFallback(ctx, service)
	case ActionLogDegradation:
		dc.mu.Lock()
		level := dc.level
		dc.mu.Unlock()
		dc.logger.Warn("System degradation recorded",
			"service", service, "level", level.String())
	default:
		dc.logger.Warn("Unknown degradation action", "action", action)
	}
}

// activateEmergencyMode disables every feature not required by an essential
// service and suspends background services.
func (dc *DegradationController) activateEmergencyMode(ctx context.Context) {
	dc.mu.Lock()
	for feature, deps := range dc.featureServices {
		essential := false
		for svc := range deps {
			if dc.classifications[svc] == ClassEssential {
				essential = true
				break
			}
		}
		if !essential {
			dc.disabledFeatures[feature] = struct{}{}
		}
	}
	var background []string
	for svc, class := range dc.classifications {
		if class == ClassBackground {
			background = append(background, svc)
		}
	}
	suspend := dc.suspendBackground
	dc.mu.Unlock()

	dc.logger.Error("Emergency mode activated")
	if suspend != nil {
		for _, svc := range background {
			suspend(ctx, svc)
		}
	}
}

func (dc *DegradationController) notifyAdministrators(ctx context.Context, service string) {
	dc.mu.Lock()
	level := dc.level
	failed := setToSorted(dc.failedServices)
	dc.mu.Unlock()

	message := fmt.Sprintf("ADMIN ALERT: system degradation level %s, failed services: %v", level.String(), failed)
	dc.logger.Error(message, "service", service)
	if dc.alerts != nil {
		if err := dc.alerts.SendAlert(ctx, "degradation", alerting.SeverityCritical, message); err != nil {
			dc.logger.WithError(err).Warn("Failed to notify administrators")
		}
	}
}

func (dc *DegradationController) activateAllFallbacks(ctx context.Context) {
	dc.mu.Lock()
	failed := setToSorted(dc.failedServices)
	dc.mu.Unlock()
	for _, svc := range failed {
		dc.activateServiceFallback(ctx, svc)
	}
}

func (dc *DegradationController) activateServiceFallback(ctx context.Context, service string) {
	if dc.fallbacks == nil {
		return
	}
	if dc.fallbacks.ActivateFallback(ctx, service) {
		dc.mu.Lock()
		dc.activeFallbacks[service] = struct{}{}
		dc.degradedServices[service] = struct{}{}
		dc.mu.Unlock()
		return
	}
	// No fallback could serve: features depending on this service go dark
	dc.mu.Lock()
	for feature := range dc.serviceFeatures[service] {
		dc.disabledFeatures[feature] = struct{}{}
	}
	dc.mu.Unlock()
}

func (dc *DegradationController) disableNonEssentialFeatures() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for feature, deps := range dc.featureServices {
		essential := false
		for svc := range deps {
			if dc.classifications[svc] == ClassEssential {
				essential = true
				break
			}
		}
		if !essential {
			dc.disabledFeatures[feature] = struct{}{}
		}
	}
}

// recomputeLevelLocked rebuilds the degradation level from current failure
// state. Unlike failures, recoveries may lower the level. Must be called with
// dc.mu held.
func (dc *DegradationController) recomputeLevelLocked(reason string) {
	level := LevelNormal
	for svc := range dc.failedServices {
		class, ok := dc.classifications[svc]
		if !ok {
			class = ClassOptional
		}
		switch class {
		case ClassEssential:
			if LevelSevere > level {
				level = LevelSevere
			}
		case ClassOptional:
			if LevelMinor > level {
				level = LevelMinor
			}
		case ClassBackground:
			// never degrades the system
		}
	}
	if len(dc.failedServices) >= multipleFailureThreshold && LevelModerate > level {
		level = LevelModerate
	}
	if level != dc.level {
		dc.level = level
		dc.reason = reason
	}
	if level == LevelNormal {
		dc.reason = ""
	}
}

// updateFeatureAvailabilityLocked re-derives the disabled feature set: a
// feature is unavailable when any required service is failed without an
// active fallback. Must be called with dc.mu held.
func (dc *DegradationController) updateFeatureAvailabilityLocked() {
	for feature, deps := range dc.featureServices {
		unavailable := false
		for svc := range deps {
			_, failed := dc.failedServices[svc]
			_, covered := dc.activeFallbacks[svc]
			if failed && !covered {
				unavailable = true
				break
			}
		}
		if unavailable {
			dc.disabledFeatures[feature] = struct{}{}
		} else if dc.level < LevelSevere {
			// Emergency mode keeps non-essential features off until the
			// level drops back below severe
			delete(dc.disabledFeatures, feature)
		}
	}
}

// must be called with dc.mu held
func (dc *DegradationController) snapshotLocked() {
	snap := StateSnapshot{
		Timestamp:        time.Now(),
		Level:            dc.level,
		LevelName:        dc.level.String(),
		Reason:           dc.reason,
		FailedServices:   setToSorted(dc.failedServices),
		DegradedServices: setToSorted(dc.degradedServices),
		ActiveFallbacks:  setToSorted(dc.activeFallbacks),
		DisabledFeatures: setToSorted(dc.disabledFeatures),
	}
	dc.history = append(dc.history, snap)
	if len(dc.history) > maxStateHistory {
		dc.history = dc.history[len(dc.history)-maxStateHistory:]
	}
}

// must be called with dc.mu held
func (dc *DegradationController) reportMetricsLocked() {
	if dc.metrics == nil {
		return
	}
	dc.metrics.DegradationLevel.Set(float64(dc.level))
	dc.metrics.FailedServices.Set(float64(len(dc.failedServices)))
	dc.metrics.DisabledFeatures.Set(float64(len(dc.disabledFeatures)))
}

// IsFeatureAvailable reports whether a feature is currently enabled.
// Unregistered features are considered available.
func (dc *DegradationController) IsFeatureAvailable(feature string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	_, disabled := dc.disabledFeatures[feature]
	return !disabled
}

// Level returns the current degradation level
func (dc *DegradationController) Level() DegradationLevel {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.level
}

// GetSystemStatus returns the current degradation state
func (dc *DegradationController) GetSystemStatus() SystemStatus {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return SystemStatus{
		Level:            dc.level,
		LevelName:        dc.level.String(),
		Reason:           dc.reason,
		FailedServices:   setToSorted(dc.failedServices),
		DegradedServices: setToSorted(dc.degradedServices),
		ActiveFallbacks:  setToSorted(dc.activeFallbacks),
		DisabledFeatures: setToSorted(dc.disabledFeatures),
		LastUpdate:       dc.lastUpdate,
	}
}

// GetDegradationHistory returns retained snapshots newer than the given age.
// A zero age returns the full retained history.
func (dc *DegradationController) GetDegradationHistory(maxAge time.Duration) []StateSnapshot {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if maxAge <= 0 {
		return append([]StateSnapshot(nil), dc.history...)
	}
	cutoff := time.Now().Add(-maxAge)
	out := make([]StateSnapshot, 0, len(dc.history))
	for _, snap := range dc.history {
		if snap.Timestamp.After(cutoff) {
			out = append(out, snap)
		}
	}
	return out
}

// Start launches the periodic status reporting loop
func (dc *DegradationController) Start(ctx context.Context, interval time.Duration) error {
	dc.mu.Lock()
	if dc.running {
		dc.mu.Unlock()
		return fmt.Errorf("degradation controller already running")
	}
	dc.running = true
	runCtx, cancel := context.WithCancel(ctx)
	dc.cancel = cancel
	dc.mu.Unlock()

	if interval <= 0 {
		interval = time.Minute
	}
	dc.wg.Add(1)
	go dc.monitorLoop(runCtx, interval)
	return nil
}

// Stop cancels the reporting loop and waits for it to exit
func (dc *DegradationController) Stop() {
	dc.mu.Lock()
	if !dc.running {
		dc.mu.Unlock()
		return
	}
	dc.running = false
	cancel := dc.cancel
	dc.mu.Unlock()

	cancel()
	dc.wg.Wait()
}

func (dc *DegradationController) monitorLoop(ctx context.Context, interval time.Duration) {
	defer dc.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := dc.GetSystemStatus()
			if status.Level > LevelNormal {
				dc.logger.Info("Degradation status",
					"level", status.LevelName,
					"failed_services", len(status.FailedServices),
					"disabled_features", len(status.DisabledFeatures),
				)
			}
		}
	}
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
