package alert

import (
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// Severity classifies how urgent an alert is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// State is the lifecycle state of an alert.
type State string

const (
	StateFiring   State = "firing"
	StateResolved State = "resolved"
	StateSilenced State = "silenced"
)

// Source identifies who the alert is about.
const (
	SourceDevice  = "device"
	SourceGateway = "gateway"
)

// Alert is one opened or resolved alert instance. At most one alert per
// (DeviceID, RuleID) is in the firing state at any instant.
type Alert struct {
	ID        string     `json:"alert_id"`
	DeviceID  string     `json:"device_id"`
	RuleID    string     `json:"rule_id"`
	Severity  Severity   `json:"severity"`
	State     State      `json:"state"`
	Source    string     `json:"source"`
	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	LastValue float64    `json:"last_value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message,omitempty"`
}

// PredicateType names the supported rule predicates.
type PredicateType string

const (
	ThresholdAbove PredicateType = "threshold_above"
	ThresholdBelow PredicateType = "threshold_below"
	RateOfChange   PredicateType = "rate_of_change"
	MissingData    PredicateType = "missing_data"
)

// Predicate is a compiled rule condition.
type Predicate struct {
	Type PredicateType
	Kind codec.SensorKind

	// Value is the threshold for threshold_above/threshold_below.
	Value float64

	// DeltaPerMin is the trip rate for rate_of_change, in units per
	// minute.
	DeltaPerMin float64

	// For is the silence window for missing_data.
	For time.Duration
}

// Scope selects the devices a rule applies to, by explicit id, device
// kind, or the "*" wildcard.
type Scope struct {
	wildcard bool
	devices  map[string]struct{}
	kinds    map[string]struct{}
}

// MatchesDevice reports whether the scope covers a device.
func (s Scope) MatchesDevice(deviceID, deviceKind string) bool {
	if s.wildcard {
		return true
	}
	if _, ok := s.devices[deviceID]; ok {
		return true
	}
	_, ok := s.kinds[deviceKind]
	return ok
}

// Rule is one compiled alert rule.
type Rule struct {
	ID        string
	Severity  Severity
	Predicate Predicate
	Scope     Scope

	// HoldDown is how long the predicate must stay false before a firing
	// alert resolves.
	HoldDown time.Duration

	// MaxReminderInterval re-emits a still-firing alert after this long.
	// Zero disables reminders.
	MaxReminderInterval time.Duration

	// Evaluator, when set, replaces the built-in predicate evaluation
	// for this rule. It receives every in-scope reading of
	// Predicate.Kind and reports whether the condition holds. Rules with
	// an Evaluator are constructed in code, not loaded from YAML; this
	// is the attachment point for anomaly models.
	Evaluator func(deviceID string, value float64) bool
}

// threshold returns the configured trip value for persisting on the
// Alert record.
func (r *Rule) threshold() float64 {
	switch r.Predicate.Type {
	case RateOfChange:
		return r.Predicate.DeltaPerMin
	case MissingData:
		return r.Predicate.For.Seconds()
	default:
		return r.Predicate.Value
	}
}
