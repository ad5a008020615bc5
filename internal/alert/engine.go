package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/registry"
)

// Logger defines the logging interface used by the alert engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

const defaultDedupWindow = 5 * time.Minute

// Options configures the alert engine.
type Options struct {
	// DedupWindow is how long after resolution a reopening alert reuses
	// the previous alert id. Default 5m.
	DedupWindow time.Duration
}

// stateKey identifies one (device, rule) evaluation state.
type stateKey struct {
	deviceID string
	ruleID   string
}

// ruleState is the sliding evaluation state for one (device, rule) pair.
type ruleState struct {
	rule *Rule

	firing  bool
	current Alert

	// falseSince is when the predicate last turned false while firing;
	// zero while the predicate holds true.
	falseSince time.Time
	lastEmit   time.Time

	// Previous alert identity for dedup-window reuse.
	lastAlertID string
	lastClosed  time.Time

	// rate_of_change history.
	prevValue float64
	prevAt    time.Time
	hasPrev   bool

	// missing_data silence timer.
	timer    *time.Timer
	lastSeen time.Time
}

// Engine evaluates alert rules against accepted readings and hands
// state transitions to the dispatcher.
//
// Observe is safe for concurrent use and never blocks on delivery: a
// transition that cannot be queued is counted as dead-lettered.
type Engine struct {
	rules    []Rule
	dispatch *Dispatcher
	metrics  *metrics.Metrics
	logger   Logger
	opts     Options

	mu     sync.Mutex
	states map[stateKey]*ruleState
	closed bool

	// now is swappable in tests.
	now func() time.Time
}

// NewEngine creates an alert engine.
//
// Parameters:
//   - rules: compiled rule set (see LoadRules)
//   - dispatch: delivery queue for emitted alerts
//   - m: gateway metrics
//   - opts: engine options
func NewEngine(rules []Rule, dispatch *Dispatcher, m *metrics.Metrics, opts Options) *Engine {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaultDedupWindow
	}
	return &Engine{
		rules:    rules,
		dispatch: dispatch,
		metrics:  m,
		logger:   noopLogger{},
		opts:     opts,
		states:   make(map[stateKey]*ruleState),
		now:      time.Now,
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// Observe evaluates every in-scope rule against a frame's readings.
// Called by the pipeline after the frame is durably accepted.
func (e *Engine) Observe(device registry.DeviceView, readings []codec.Reading) {
	if len(e.rules) == 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	now := e.now().UTC()
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Scope.MatchesDevice(device.ID, string(device.Kind)) {
			continue
		}
		for j := range readings {
			r := &readings[j]
			if r.Kind != rule.Predicate.Kind {
				continue
			}
			e.evaluate(rule, device.ID, r.Value, now)
		}
	}
}

// evaluate runs one rule against one reading value. Caller holds e.mu.
func (e *Engine) evaluate(rule *Rule, deviceID string, value float64, now time.Time) {
	st := e.state(rule, deviceID)

	if rule.Evaluator != nil {
		e.transition(st, deviceID, rule.Evaluator(deviceID, value), value, now)
		return
	}

	switch rule.Predicate.Type {
	case ThresholdAbove:
		e.transition(st, deviceID, value > rule.Predicate.Value, value, now)
	case ThresholdBelow:
		e.transition(st, deviceID, value < rule.Predicate.Value, value, now)
	case RateOfChange:
		if st.hasPrev && now.After(st.prevAt) {
			minutes := now.Sub(st.prevAt).Minutes()
			rate := (value - st.prevValue) / minutes
			if rate < 0 {
				rate = -rate
			}
			e.transition(st, deviceID, rate > rule.Predicate.DeltaPerMin, rate, now)
		}
		st.prevValue = value
		st.prevAt = now
		st.hasPrev = true
	case MissingData:
		// Data arrived: the silence predicate is false, and the timer
		// restarts from now.
		st.lastSeen = now
		e.armSilenceTimer(st, deviceID)
		e.transition(st, deviceID, false, value, now)
	}
}

// state returns (creating if needed) the evaluation state for a pair.
func (e *Engine) state(rule *Rule, deviceID string) *ruleState {
	key := stateKey{deviceID: deviceID, ruleID: rule.ID}
	st, ok := e.states[key]
	if !ok {
		st = &ruleState{rule: rule}
		e.states[key] = st
	}
	return st
}

// armSilenceTimer (re)schedules the missing_data tick for a pair.
// Caller holds e.mu.
func (e *Engine) armSilenceTimer(st *ruleState, deviceID string) {
	if st.timer != nil {
		st.timer.Stop()
	}
	rule := st.rule
	st.timer = time.AfterFunc(rule.Predicate.For, func() {
		e.silenceTick(rule, deviceID)
	})
}

// silenceTick fires when a missing_data window elapses without a frame.
func (e *Engine) silenceTick(rule *Rule, deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	st := e.state(rule, deviceID)
	now := e.now().UTC()
	if !st.lastSeen.IsZero() && now.Sub(st.lastSeen) < rule.Predicate.For {
		// A frame arrived while the tick was in flight.
		return
	}

	silence := rule.Predicate.For.Seconds()
	if !st.lastSeen.IsZero() {
		silence = now.Sub(st.lastSeen).Seconds()
	}
	e.transition(st, deviceID, true, silence, now)

	// Rearm so the firing alert keeps tracking silence and reminders
	// still have a clock.
	e.armSilenceTimer(st, deviceID)
}

// transition applies one predicate observation to a pair's state
// machine, emitting open, reminder, and resolved alerts. Caller holds
// e.mu.
func (e *Engine) transition(st *ruleState, deviceID string, active bool, value float64, now time.Time) {
	rule := st.rule

	if active {
		st.falseSince = time.Time{}
		if !st.firing {
			e.open(st, deviceID, value, now, SourceDevice, "")
			return
		}
		st.current.LastValue = value
		if rule.MaxReminderInterval > 0 && now.Sub(st.lastEmit) >= rule.MaxReminderInterval {
			st.lastEmit = now
			e.emit(st.current)
		}
		return
	}

	if !st.firing {
		st.falseSince = time.Time{}
		return
	}
	if st.falseSince.IsZero() {
		st.falseSince = now
		return
	}
	if now.Sub(st.falseSince) >= rule.HoldDown {
		e.resolve(st, value, now)
	}
}

// open emits a new firing alert, reusing the previous alert id when the
// pair reopens inside the dedup window. Caller holds e.mu.
func (e *Engine) open(st *ruleState, deviceID string, value float64, now time.Time, source, message string) {
	rule := st.rule

	id := uuid.NewString()
	if st.lastAlertID != "" && !st.lastClosed.IsZero() && now.Sub(st.lastClosed) <= e.opts.DedupWindow {
		id = st.lastAlertID
	}

	st.firing = true
	st.falseSince = time.Time{}
	st.lastEmit = now
	st.current = Alert{
		ID:        id,
		DeviceID:  deviceID,
		RuleID:    rule.ID,
		Severity:  rule.Severity,
		State:     StateFiring,
		Source:    source,
		OpenedAt:  now,
		LastValue: value,
		Threshold: rule.threshold(),
		Message:   message,
	}

	e.metrics.AlertsFired.WithLabelValues(string(rule.Severity)).Inc()
	e.metrics.AlertsOpen.WithLabelValues(string(rule.Severity)).Inc()
	e.logger.Info("alert opened",
		"alert_id", id, "device_id", deviceID, "rule_id", rule.ID,
		"severity", rule.Severity, "value", value)
	e.emit(st.current)
}

// resolve closes the current firing alert. Caller holds e.mu.
func (e *Engine) resolve(st *ruleState, value float64, now time.Time) {
	closed := now
	st.current.State = StateResolved
	st.current.ClosedAt = &closed
	st.current.LastValue = value

	st.firing = false
	st.falseSince = time.Time{}
	st.lastAlertID = st.current.ID
	st.lastClosed = now

	e.metrics.AlertsOpen.WithLabelValues(string(st.rule.Severity)).Dec()
	e.logger.Info("alert resolved",
		"alert_id", st.current.ID, "device_id", st.current.DeviceID,
		"rule_id", st.rule.ID, "value", value)
	e.emit(st.current)
}

// emit hands a transition to the dispatcher. Caller holds e.mu.
func (e *Engine) emit(a Alert) {
	if e.dispatch == nil {
		return
	}
	if err := e.dispatch.Enqueue(a); err != nil {
		e.metrics.AlertDeadLetter.Inc()
		e.logger.Error("alert dispatch queue full",
			"alert_id", a.ID, "rule_id", a.RuleID, "error", err)
	}
}

// RaiseGateway opens a self-alert about the gateway itself, such as a
// near-full write-ahead buffer or a high subscriber drop rate. Keyed by
// rule id like device alerts, so a condition fires at most once until
// cleared.
func (e *Engine) RaiseGateway(ruleID string, severity Severity, value, threshold float64, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	key := stateKey{deviceID: SourceGateway, ruleID: ruleID}
	st, ok := e.states[key]
	if !ok {
		st = &ruleState{rule: &Rule{ID: ruleID, Severity: severity, Predicate: Predicate{Value: threshold}}}
		e.states[key] = st
	}
	if st.firing {
		st.current.LastValue = value
		return
	}
	e.open(st, SourceGateway, value, e.now().UTC(), SourceGateway, message)
}

// ClearGateway resolves a previously raised gateway self-alert. No
// hold-down applies; the caller owns the hysteresis.
func (e *Engine) ClearGateway(ruleID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := stateKey{deviceID: SourceGateway, ruleID: ruleID}
	st, ok := e.states[key]
	if !ok || !st.firing {
		return
	}
	e.resolve(st, st.current.LastValue, e.now().UTC())
}

// FiringCount returns the number of alerts currently in the firing
// state.
func (e *Engine) FiringCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, st := range e.states {
		if st.firing {
			n++
		}
	}
	return n
}

// Close stops all silence timers. Observe calls after Close are no-ops.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, st := range e.states {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}
