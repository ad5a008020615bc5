package alert

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// ruleFile is the YAML shape of a rule set on disk. Durations are
// strings in Go syntax ("60s", "10m").
type ruleFile struct {
	Defaults struct {
		HoldDown            string `yaml:"hold_down"`
		MaxReminderInterval string `yaml:"max_reminder_interval"`
	} `yaml:"defaults"`
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	RuleID    string `yaml:"rule_id"`
	Severity  string `yaml:"severity"`
	HoldDown  string `yaml:"hold_down"`
	Reminder  string `yaml:"max_reminder_interval"`
	Predicate struct {
		Type        string  `yaml:"type"`
		Kind        string  `yaml:"kind"`
		Value       float64 `yaml:"value"`
		DeltaPerMin float64 `yaml:"delta_per_min"`
		For         string  `yaml:"for"`
	} `yaml:"predicate"`
	Scope struct {
		Devices []string `yaml:"devices"`
		Kinds   []string `yaml:"kinds"`
	} `yaml:"scope"`
}

// Defaults applied when a rule or the file omits a setting.
type RuleDefaults struct {
	HoldDown            time.Duration
	MaxReminderInterval time.Duration
}

// LoadRules reads and compiles a YAML rule file.
//
// Parameters:
//   - path: rule file location
//   - defaults: fallback hold-down and reminder interval from config
//
// Returns:
//   - []Rule: compiled rules in file order
//   - error: nil on success, ErrInvalidRule or ErrDuplicateRule wrapped
//     with the offending rule id
func LoadRules(path string, defaults RuleDefaults) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}
	return ParseRules(data, defaults)
}

// ParseRules compiles a YAML rule document.
func ParseRules(data []byte, defaults RuleDefaults) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rule file: %w", err)
	}

	if file.Defaults.HoldDown != "" {
		d, parseErr := time.ParseDuration(file.Defaults.HoldDown)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: defaults.hold_down: %v", ErrInvalidRule, parseErr)
		}
		defaults.HoldDown = d
	}
	if file.Defaults.MaxReminderInterval != "" {
		d, parseErr := time.ParseDuration(file.Defaults.MaxReminderInterval)
		if parseErr != nil {
			return nil, fmt.Errorf("%w: defaults.max_reminder_interval: %v", ErrInvalidRule, parseErr)
		}
		defaults.MaxReminderInterval = d
	}

	rules := make([]Rule, 0, len(file.Rules))
	seen := make(map[string]struct{}, len(file.Rules))
	for i := range file.Rules {
		rule, err := compileRule(&file.Rules[i], defaults)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRule, rule.ID)
		}
		seen[rule.ID] = struct{}{}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileRule(spec *ruleSpec, defaults RuleDefaults) (Rule, error) {
	if spec.RuleID == "" {
		return Rule{}, fmt.Errorf("%w: missing rule_id", ErrInvalidRule)
	}

	severity := Severity(spec.Severity)
	if severity == "" {
		severity = SeverityWarning
	}
	if !severity.Valid() {
		return Rule{}, fmt.Errorf("%w: %q: unknown severity %q", ErrInvalidRule, spec.RuleID, spec.Severity)
	}

	holdDown := defaults.HoldDown
	if spec.HoldDown != "" {
		d, err := time.ParseDuration(spec.HoldDown)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q: hold_down: %v", ErrInvalidRule, spec.RuleID, err)
		}
		holdDown = d
	}

	reminder := defaults.MaxReminderInterval
	if spec.Reminder != "" {
		d, err := time.ParseDuration(spec.Reminder)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q: max_reminder_interval: %v", ErrInvalidRule, spec.RuleID, err)
		}
		reminder = d
	}

	predicate, err := compilePredicate(spec)
	if err != nil {
		return Rule{}, err
	}

	scope := Scope{
		devices: make(map[string]struct{}),
		kinds:   make(map[string]struct{}),
	}
	for _, d := range spec.Scope.Devices {
		if d == "*" {
			scope.wildcard = true
			continue
		}
		scope.devices[d] = struct{}{}
	}
	for _, k := range spec.Scope.Kinds {
		scope.kinds[k] = struct{}{}
	}
	if !scope.wildcard && len(scope.devices) == 0 && len(scope.kinds) == 0 {
		return Rule{}, fmt.Errorf("%w: %q: empty scope", ErrInvalidRule, spec.RuleID)
	}

	return Rule{
		ID:                  spec.RuleID,
		Severity:            severity,
		Predicate:           predicate,
		Scope:               scope,
		HoldDown:            holdDown,
		MaxReminderInterval: reminder,
	}, nil
}

func compilePredicate(spec *ruleSpec) (Predicate, error) {
	p := Predicate{
		Type: PredicateType(spec.Predicate.Type),
		Kind: codec.SensorKind(spec.Predicate.Kind),
	}
	if p.Kind == "" {
		return Predicate{}, fmt.Errorf("%w: %q: predicate missing kind", ErrInvalidRule, spec.RuleID)
	}

	switch p.Type {
	case ThresholdAbove, ThresholdBelow:
		p.Value = spec.Predicate.Value
	case RateOfChange:
		if spec.Predicate.DeltaPerMin <= 0 {
			return Predicate{}, fmt.Errorf("%w: %q: delta_per_min must be positive", ErrInvalidRule, spec.RuleID)
		}
		p.DeltaPerMin = spec.Predicate.DeltaPerMin
	case MissingData:
		if spec.Predicate.For == "" {
			return Predicate{}, fmt.Errorf("%w: %q: missing_data requires for", ErrInvalidRule, spec.RuleID)
		}
		d, err := time.ParseDuration(spec.Predicate.For)
		if err != nil || d <= 0 {
			return Predicate{}, fmt.Errorf("%w: %q: for: invalid duration %q", ErrInvalidRule, spec.RuleID, spec.Predicate.For)
		}
		p.For = d
	default:
		return Predicate{}, fmt.Errorf("%w: %q: unknown predicate type %q", ErrInvalidRule, spec.RuleID, spec.Predicate.Type)
	}
	return p, nil
}
