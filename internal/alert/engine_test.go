package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/registry"
)

// recordingSink captures emitted transitions and can simulate failures.
type recordingSink struct {
	mu      sync.Mutex
	emitted []Alert
	fail    int // fail this many Emit calls before succeeding
}

func (s *recordingSink) Emit(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return errors.New("sink unavailable")
	}
	s.emitted = append(s.emitted, a)
	return nil
}

func (s *recordingSink) alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Alert, len(s.emitted))
	copy(out, s.emitted)
	return out
}

// directDispatcher bypasses the queue so tests observe transitions
// synchronously.
func newTestEngine(t *testing.T, rules []Rule, opts Options) (*Engine, *recordingSink, func(time.Duration)) {
	t.Helper()

	sink := &recordingSink{}
	d := NewDispatcher(sink, nil, metrics.New(), DispatchOptions{QueueDepth: 64})
	e := NewEngine(rules, d, metrics.New(), opts)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		e.Close()
		cancel()
		d.Wait()
	})

	clock := time.Date(2024, 1, 26, 14, 30, 0, 0, time.UTC)
	var mu sync.Mutex
	e.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}
	return e, sink, advance
}

func tpmsLowRule() Rule {
	return Rule{
		ID:       "tpms_low",
		Severity: SeverityCritical,
		HoldDown: 60 * time.Second,
		Predicate: Predicate{
			Type:  ThresholdBelow,
			Kind:  codec.KindPressure,
			Value: 200,
		},
		Scope: Scope{wildcard: true},
	}
}

func tpmsDevice() registry.DeviceView {
	return registry.DeviceView{ID: "HK_000001", Kind: registry.KindTPMS}
}

func pressureReading(value float64) []codec.Reading {
	return []codec.Reading{{
		DeviceID: "HK_000001",
		Kind:     codec.KindPressure,
		Value:    value,
		Unit:     "kPa",
		Quality:  codec.QualityGood,
	}}
}

func waitForEmits(t *testing.T, sink *recordingSink, want int) []Alert {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := sink.alerts(); len(got) >= want {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sink received %d transitions, want %d", len(sink.alerts()), want)
	return nil
}

func TestEngine_ThresholdBelowLifecycle(t *testing.T) {
	e, sink, advance := newTestEngine(t, []Rule{tpmsLowRule()}, Options{})
	dev := tpmsDevice()

	// Trip the rule.
	e.Observe(dev, pressureReading(180))
	emitted := waitForEmits(t, sink, 1)
	if emitted[0].State != StateFiring || emitted[0].Severity != SeverityCritical {
		t.Fatalf("first transition = %+v, want firing critical", emitted[0])
	}
	if emitted[0].LastValue != 180 || emitted[0].Threshold != 200 {
		t.Errorf("value/threshold = %v/%v, want 180/200", emitted[0].LastValue, emitted[0].Threshold)
	}

	// A second breach does not re-emit while firing.
	advance(10 * time.Second)
	e.Observe(dev, pressureReading(190))
	if got := len(sink.alerts()); got != 1 {
		t.Errorf("transitions after second breach = %d, want 1 (deduplicated)", got)
	}

	// Recovery begins but has not held for 60s yet.
	advance(10 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(30 * time.Second)
	e.Observe(dev, pressureReading(215))
	if got := e.FiringCount(); got != 1 {
		t.Errorf("firing count before hold-down elapsed = %d, want 1", got)
	}

	// Recovery sustained past the hold-down resolves the alert.
	advance(31 * time.Second)
	e.Observe(dev, pressureReading(220))
	emitted = waitForEmits(t, sink, 2)
	last := emitted[len(emitted)-1]
	if last.State != StateResolved || last.ClosedAt == nil {
		t.Fatalf("final transition = %+v, want resolved with closed_at", last)
	}
	if last.ID != emitted[0].ID {
		t.Errorf("resolved id %q does not match opened id %q", last.ID, emitted[0].ID)
	}
	if got := e.FiringCount(); got != 0 {
		t.Errorf("firing count after resolve = %d, want 0", got)
	}
}

func TestEngine_HoldDownResetsOnRebreach(t *testing.T) {
	e, sink, advance := newTestEngine(t, []Rule{tpmsLowRule()}, Options{})
	dev := tpmsDevice()

	e.Observe(dev, pressureReading(180))
	waitForEmits(t, sink, 1)

	// Recovery interrupted by a re-breach restarts the hold-down clock.
	advance(10 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(30 * time.Second)
	e.Observe(dev, pressureReading(190))
	advance(45 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(45 * time.Second)
	e.Observe(dev, pressureReading(210))

	if got := e.FiringCount(); got != 1 {
		t.Errorf("firing count = %d, want 1 (hold-down restarted)", got)
	}
}

func TestEngine_DedupWindowReusesAlertID(t *testing.T) {
	e, sink, advance := newTestEngine(t, []Rule{tpmsLowRule()}, Options{DedupWindow: 5 * time.Minute})
	dev := tpmsDevice()

	e.Observe(dev, pressureReading(180))
	advance(10 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(61 * time.Second)
	e.Observe(dev, pressureReading(210))
	waitForEmits(t, sink, 2)

	// Reopen inside the dedup window.
	advance(2 * time.Minute)
	e.Observe(dev, pressureReading(170))
	emitted := waitForEmits(t, sink, 3)
	if emitted[2].ID != emitted[0].ID {
		t.Errorf("reopened id %q, want reuse of %q", emitted[2].ID, emitted[0].ID)
	}

	// Resolve again, then reopen outside the window: fresh id.
	advance(10 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(61 * time.Second)
	e.Observe(dev, pressureReading(210))
	advance(10 * time.Minute)
	e.Observe(dev, pressureReading(170))
	emitted = waitForEmits(t, sink, 5)
	if emitted[4].ID == emitted[0].ID {
		t.Error("reopen outside dedup window reused the old alert id")
	}
}

func TestEngine_ReminderReemitsWhileFiring(t *testing.T) {
	rule := tpmsLowRule()
	rule.MaxReminderInterval = 5 * time.Minute
	e, sink, advance := newTestEngine(t, []Rule{rule}, Options{})
	dev := tpmsDevice()

	e.Observe(dev, pressureReading(180))
	waitForEmits(t, sink, 1)

	advance(2 * time.Minute)
	e.Observe(dev, pressureReading(185))
	if got := len(sink.alerts()); got != 1 {
		t.Fatalf("reminder fired early: %d transitions", got)
	}

	advance(4 * time.Minute)
	e.Observe(dev, pressureReading(185))
	emitted := waitForEmits(t, sink, 2)
	if emitted[1].State != StateFiring || emitted[1].ID != emitted[0].ID {
		t.Errorf("reminder = %+v, want same firing alert", emitted[1])
	}
}

func TestEngine_RateOfChange(t *testing.T) {
	rule := Rule{
		ID:       "temp_spike",
		Severity: SeverityWarning,
		HoldDown: 60 * time.Second,
		Predicate: Predicate{
			Type:        RateOfChange,
			Kind:        codec.KindTemperature,
			DeltaPerMin: 5,
		},
		Scope: Scope{wildcard: true},
	}
	e, sink, advance := newTestEngine(t, []Rule{rule}, Options{})
	dev := tpmsDevice()

	reading := func(v float64) []codec.Reading {
		return []codec.Reading{{DeviceID: dev.ID, Kind: codec.KindTemperature, Value: v}}
	}

	// First sample only seeds history.
	e.Observe(dev, reading(30))
	advance(time.Minute)
	e.Observe(dev, reading(33))
	if got := e.FiringCount(); got != 0 {
		t.Fatalf("3 degrees/min tripped a 5/min rule")
	}

	// 8 degrees in one minute trips it.
	advance(time.Minute)
	e.Observe(dev, reading(41))
	emitted := waitForEmits(t, sink, 1)
	if emitted[0].State != StateFiring || emitted[0].LastValue != 8 {
		t.Errorf("transition = %+v, want firing with rate 8", emitted[0])
	}
}

func TestEngine_MissingData(t *testing.T) {
	rule := Rule{
		ID:       "tpms_silent",
		Severity: SeverityWarning,
		HoldDown: 0,
		Predicate: Predicate{
			Type: MissingData,
			Kind: codec.KindPressure,
			For:  30 * time.Millisecond,
		},
		Scope: Scope{wildcard: true},
	}
	e, sink, _ := newTestEngine(t, []Rule{rule}, Options{})
	e.now = time.Now // silence timers need the real clock
	dev := tpmsDevice()

	e.Observe(dev, pressureReading(220))
	if got := e.FiringCount(); got != 0 {
		t.Fatal("alert fired while data was flowing")
	}

	// Let the silence window elapse.
	emitted := waitForEmits(t, sink, 1)
	if emitted[0].State != StateFiring || emitted[0].RuleID != "tpms_silent" {
		t.Fatalf("transition = %+v, want firing tpms_silent", emitted[0])
	}

	// Data resumes: with zero hold-down the next two frames resolve it.
	e.Observe(dev, pressureReading(220))
	e.Observe(dev, pressureReading(221))
	emitted = waitForEmits(t, sink, 2)
	if emitted[1].State != StateResolved {
		t.Errorf("transition after data resumed = %+v, want resolved", emitted[1])
	}
}

func TestEngine_ScopeFiltersDevices(t *testing.T) {
	rule := tpmsLowRule()
	rule.Scope = Scope{devices: map[string]struct{}{"HK_000002": {}}}
	e, sink, _ := newTestEngine(t, []Rule{rule}, Options{})

	e.Observe(tpmsDevice(), pressureReading(180))
	time.Sleep(20 * time.Millisecond)
	if got := len(sink.alerts()); got != 0 {
		t.Errorf("out-of-scope device produced %d transitions", got)
	}

	e.Observe(registry.DeviceView{ID: "HK_000002", Kind: registry.KindTPMS},
		[]codec.Reading{{DeviceID: "HK_000002", Kind: codec.KindPressure, Value: 180}})
	waitForEmits(t, sink, 1)
}

func TestEngine_GatewaySelfAlerts(t *testing.T) {
	e, sink, _ := newTestEngine(t, nil, Options{})

	e.RaiseGateway("wab_near_full", SeverityWarning, 950000, 1000000, "write-ahead buffer above 95%")
	e.RaiseGateway("wab_near_full", SeverityWarning, 960000, 1000000, "")
	emitted := waitForEmits(t, sink, 1)
	if emitted[0].Source != SourceGateway || emitted[0].DeviceID != SourceGateway {
		t.Fatalf("transition = %+v, want gateway source", emitted[0])
	}
	if got := len(emitted); got != 1 {
		t.Errorf("repeated raise emitted %d transitions, want 1", got)
	}

	e.ClearGateway("wab_near_full")
	emitted = waitForEmits(t, sink, 2)
	if emitted[1].State != StateResolved {
		t.Errorf("clear produced %+v, want resolved", emitted[1])
	}
}

func TestDispatcher_RetriesThenDelivers(t *testing.T) {
	sink := &recordingSink{fail: 2}
	d := NewDispatcher(sink, nil, metrics.New(), DispatchOptions{
		QueueDepth: 8,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Enqueue(Alert{ID: "a1", RuleID: "r1", State: StateFiring}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitForEmits(t, sink, 1)
}

func TestDispatcher_EnqueueFullReturnsError(t *testing.T) {
	d := NewDispatcher(&recordingSink{}, nil, metrics.New(), DispatchOptions{QueueDepth: 1})
	// Run is never started, so the queue fills.
	if err := d.Enqueue(Alert{ID: "a1"}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if err := d.Enqueue(Alert{ID: "a2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second Enqueue() error = %v, want ErrQueueFull", err)
	}
}

func TestEngine_CustomEvaluatorOverridesPredicate(t *testing.T) {
	// A rule whose built-in threshold would never trip, with an
	// evaluator that fires on any value above 100.
	rule := Rule{
		ID:       "anomaly_pressure",
		Severity: SeverityWarning,
		HoldDown: 60 * time.Second,
		Predicate: Predicate{
			Type:  ThresholdBelow,
			Kind:  codec.KindPressure,
			Value: 0,
		},
		Scope: Scope{wildcard: true},
		Evaluator: func(_ string, value float64) bool {
			return value > 100
		},
	}
	e, sink, advance := newTestEngine(t, []Rule{rule}, Options{})
	dev := tpmsDevice()

	e.Observe(dev, pressureReading(220))
	emitted := waitForEmits(t, sink, 1)
	if emitted[0].State != StateFiring || emitted[0].RuleID != "anomaly_pressure" {
		t.Fatalf("first transition = %+v, want firing anomaly_pressure", emitted[0])
	}

	// Evaluator false through the hold-down resolves.
	advance(time.Second)
	e.Observe(dev, pressureReading(50))
	advance(61 * time.Second)
	e.Observe(dev, pressureReading(50))
	emitted = waitForEmits(t, sink, 2)
	if emitted[1].State != StateResolved {
		t.Errorf("second transition = %+v, want resolved", emitted[1])
	}
}

// recordingPublisher captures broker publishes.
type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	bodies [][]byte
	err    error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, _ byte, _ bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.bodies = append(p.bodies, payload)
	return nil
}

func TestMQTTSink_PublishesTransitions(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewMQTTSink(pub, "smartsensor/gateway/alerts", 1)

	a := Alert{
		ID:       "a-1",
		DeviceID: "HK_000001",
		RuleID:   "tpms_low",
		Severity: SeverityCritical,
		State:    StateFiring,
		Source:   SourceDevice,
	}
	if err := sink.Emit(context.Background(), a); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "smartsensor/gateway/alerts" {
		t.Fatalf("published topics = %v", pub.topics)
	}

	var got Alert
	if err := json.Unmarshal(pub.bodies[0], &got); err != nil {
		t.Fatalf("unmarshal published alert: %v", err)
	}
	if got.ID != "a-1" || got.State != StateFiring {
		t.Errorf("published alert = %+v", got)
	}

	pub.err = errors.New("broker gone")
	if err := sink.Emit(context.Background(), a); err == nil {
		t.Error("Emit() with failing publisher did not error")
	}
}
