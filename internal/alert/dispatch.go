package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/metrics"
)

// Sink delivers alert transitions to an external notifier. Emit must be
// safe for concurrent use; the dispatcher retries transient failures.
type Sink interface {
	Emit(ctx context.Context, a Alert) error
}

// Dispatch defaults.
const (
	defaultQueueDepth  = 256
	defaultMaxAttempts = 5
	defaultBackoffMin  = 100 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// DispatchOptions configures the dispatcher.
type DispatchOptions struct {
	// QueueDepth bounds the handoff queue between engine and worker.
	// Default 256.
	QueueDepth int

	// MaxAttempts is delivery tries per alert before dead-lettering.
	// Default 5.
	MaxAttempts int

	// BackoffMin and BackoffMax bound the exponential retry delay.
	// Defaults 100ms and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Dispatcher guarantees at-least-once handoff of alert transitions to
// the sink. Delivery runs on a single worker so notifications for one
// alert stay in order; exhausted retries increment the dead-letter
// counter and the alert is abandoned.
type Dispatcher struct {
	sink    Sink
	repo    Repository
	metrics *metrics.Metrics
	logger  Logger
	opts    DispatchOptions

	queue chan Alert
	done  chan struct{}
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - sink: delivery adapter (log, webhook, fan-out)
//   - repo: alert history store, may be nil
//   - m: gateway metrics
//   - opts: queue and retry tuning
func NewDispatcher(sink Sink, repo Repository, m *metrics.Metrics, opts DispatchOptions) *Dispatcher {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaultBackoffMin
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	return &Dispatcher{
		sink:    sink,
		repo:    repo,
		metrics: m,
		logger:  noopLogger{},
		opts:    opts,
		queue:   make(chan Alert, opts.QueueDepth),
		done:    make(chan struct{}),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	d.logger = logger
}

// Enqueue queues one transition for delivery without blocking.
//
// Returns ErrQueueFull when the queue is at capacity; the caller
// accounts the loss.
func (d *Dispatcher) Enqueue(a Alert) error {
	select {
	case d.queue <- a:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run delivers queued transitions until ctx is cancelled, then drains
// whatever is already queued with one final attempt each.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	for {
		select {
		case a := <-d.queue:
			d.deliver(ctx, a)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}

// deliver persists and emits one transition with retry.
func (d *Dispatcher) deliver(ctx context.Context, a Alert) {
	if d.repo != nil {
		if err := d.repo.Save(ctx, &a); err != nil {
			d.logger.Error("persisting alert history",
				"alert_id", a.ID, "rule_id", a.RuleID, "error", err)
		}
	}

	backoff := d.opts.BackoffMin
	for attempt := 1; ; attempt++ {
		err := d.sink.Emit(ctx, a)
		if err == nil {
			return
		}
		if attempt >= d.opts.MaxAttempts {
			d.metrics.AlertDeadLetter.Inc()
			d.logger.Error("alert delivery abandoned",
				"alert_id", a.ID, "rule_id", a.RuleID,
				"attempts", attempt, "error", err)
			return
		}
		d.logger.Warn("alert delivery failed, retrying",
			"alert_id", a.ID, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			d.metrics.AlertDeadLetter.Inc()
			return
		}
		backoff *= 2
		if backoff > d.opts.BackoffMax {
			backoff = d.opts.BackoffMax
		}
	}
}

// drain makes one best-effort attempt per queued transition during
// shutdown.
func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for {
		select {
		case a := <-d.queue:
			if err := d.sink.Emit(ctx, a); err != nil {
				d.metrics.AlertDeadLetter.Inc()
				d.logger.Error("alert lost during shutdown",
					"alert_id", a.ID, "rule_id", a.RuleID, "error", err)
			}
		default:
			return
		}
	}
}

// LogSink writes alert transitions to the structured log. Useful as a
// default when no webhook is configured.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(logger Logger) *LogSink {
	if logger == nil {
		logger = noopLogger{}
	}
	return &LogSink{logger: logger}
}

// Emit logs the transition. Never fails.
func (s *LogSink) Emit(_ context.Context, a Alert) error {
	s.logger.Warn("alert",
		"alert_id", a.ID,
		"device_id", a.DeviceID,
		"rule_id", a.RuleID,
		"severity", a.Severity,
		"state", a.State,
		"source", a.Source,
		"value", a.LastValue,
		"threshold", a.Threshold,
	)
	return nil
}

// WebhookSink POSTs alert transitions as JSON to a chat or paging
// webhook.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Emit posts one transition. Non-2xx responses are errors so the
// dispatcher retries them.
func (s *WebhookSink) Emit(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshalling alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Best-effort close

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Publisher is the broker transport behind MQTTSink. Satisfied by the
// gateway's MQTT client wrapper.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTSink republishes alert transitions to a broker topic so other
// systems on the bus can react without polling the HTTP API.
type MQTTSink struct {
	publisher Publisher
	topic     string
	qos       byte
}

// NewMQTTSink creates a broker-backed sink publishing to topic.
func NewMQTTSink(publisher Publisher, topic string, qos byte) *MQTTSink {
	return &MQTTSink{publisher: publisher, topic: topic, qos: qos}
}

// Emit publishes one transition as JSON. Publish failures are errors so
// the dispatcher retries them.
func (s *MQTTSink) Emit(_ context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshalling alert: %w", err)
	}
	if err := s.publisher.Publish(s.topic, body, s.qos, false); err != nil {
		return fmt.Errorf("publishing alert: %w", err)
	}
	return nil
}

// MultiSink fans one transition out to several sinks. Emit fails if any
// sink fails, so the dispatcher retries; sinks must tolerate duplicate
// notifications.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit delivers to every sink, returning the first error.
func (s *MultiSink) Emit(ctx context.Context, a Alert) error {
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
