package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/registry"
	"github.com/smartsensor/sensor-gateway/internal/sink"
)

// Logger defines the logging interface used by the Pipeline.
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

// Durable is the write-ahead buffer contract the pipeline offers frames
// to. Implemented by sink.Buffer.
type Durable interface {
	Write(readings []codec.Reading) error
}

// Broadcaster receives accepted readings for subscriber fan-out.
// Publish must be non-blocking; a stuck subscriber must never stall a
// shard. Implemented by hub.Hub.
type Broadcaster interface {
	Publish(readings []codec.Reading)
}

// AlertEvaluator receives accepted readings for rule evaluation.
// Observe must be non-blocking or bounded. Implemented by alert.Engine.
type AlertEvaluator interface {
	Observe(device registry.DeviceView, readings []codec.Reading)
}

// Toucher rolls the registry's last-seen and health window.
// Implemented by registry.Registry.
type Toucher interface {
	Touch(deviceID string, at time.Time, sample registry.QualitySample, firmware string) error
}

// Item is one decoded frame travelling through a shard lane.
type Item struct {
	Env      codec.Envelope
	Readings []codec.Reading
	Device   registry.DeviceView

	// Ack, when set, is invoked exactly once after the frame's readings
	// are accepted into the write-ahead buffer. MQTT ingest uses it for
	// manual acknowledgment so unflushed frames survive a crash upstream.
	Ack func()
}

// session is the per-device state owned by a shard worker. Only that
// worker touches it, so no locking.
type session struct {
	device       registry.DeviceView
	lastSeq      uint64
	lastActivity time.Time
}

// shard is one single-writer lane: a FIFO and the worker that drains it.
type shard struct {
	queue    chan Item
	sessions map[string]*session
}

// Options configures a Pipeline.
type Options struct {
	// Shards is the lane count. Must be a power of two. Default 64.
	Shards int

	// QueueDepth is the per-shard FIFO capacity. Default 256.
	QueueDepth int

	// SessionIdle destroys device sessions after this much inactivity.
	// Default 15m.
	SessionIdle time.Duration
}

// Pipeline dispatches decoded frames onto sharded single-writer lanes.
//
// A hash of device_id selects the shard, so all frames of one device land
// on the same FIFO and are processed strictly in arrival order by that
// shard's worker. This yields per-device total order across durable
// write, broadcast, and alert evaluation without per-device locks.
//
// The worker offers each frame to the durable buffer first and parks on
// ErrWABFull (backpressure, never drop), then fans out to the broadcaster
// and alert evaluator, then touches the registry. A frame's Ack fires as
// soon as the durable buffer has accepted it.
type Pipeline struct {
	shards []shard
	mask   uint64
	opts   Options

	durable Durable
	hub     Broadcaster
	alerts  AlertEvaluator
	toucher Toucher
	metrics *metrics.Metrics
	logger  Logger

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

// New creates a Pipeline. All sink dependencies are required except hub
// and alerts, which may be nil in partial deployments.
func New(durable Durable, hub Broadcaster, alerts AlertEvaluator, toucher Toucher, m *metrics.Metrics, opts Options) *Pipeline {
	if opts.Shards <= 0 || opts.Shards&(opts.Shards-1) != 0 {
		opts.Shards = 64
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 256
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 15 * time.Minute
	}

	p := &Pipeline{
		shards:  make([]shard, opts.Shards),
		mask:    uint64(opts.Shards - 1),
		opts:    opts,
		durable: durable,
		hub:     hub,
		alerts:  alerts,
		toucher: toucher,
		metrics: m,
		logger:  noopLogger{},
	}
	for i := range p.shards {
		p.shards[i] = shard{
			queue:    make(chan Item, opts.QueueDepth),
			sessions: make(map[string]*session),
		}
	}
	return p
}

// SetLogger sets the logger for the pipeline.
func (p *Pipeline) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches one worker per shard. ctx bounds backpressure parking
// during shutdown; it does not abort in-flight items.
func (p *Pipeline) Start(ctx context.Context) {
	for i := range p.shards {
		p.wg.Add(1)
		go p.runShard(ctx, i)
	}
}

// Offer enqueues an item without blocking. Returns ErrBusy when the
// shard's FIFO is full and ErrClosed after shutdown begins.
func (p *Pipeline) Offer(item Item) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	s := &p.shards[p.shardIndex(item.Env.DeviceID)]
	select {
	case s.queue <- item:
		p.metrics.PipelineQueueDepth.WithLabelValues(
			strconv.Itoa(int(p.shardIndex(item.Env.DeviceID)))).Set(float64(len(s.queue)))
		return nil
	default:
		return ErrBusy
	}
}

// OfferWait enqueues an item, blocking until the shard accepts it or ctx
// is cancelled. MQTT ingest uses it so broker acknowledgments stall
// instead of dropping frames.
func (p *Pipeline) OfferWait(ctx context.Context, item Item) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	s := &p.shards[p.shardIndex(item.Env.DeviceID)]

	select {
	case s.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake. The write lock excludes in-flight offers, so the
// shard channels only close once every concurrent Offer and OfferWait
// has returned. Workers keep draining what is already queued; follow
// with Wait.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for i := range p.shards {
		close(p.shards[i].queue)
	}
}

// Wait blocks until every shard worker has drained, or ctx expires.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runShard is the single-writer loop for one lane.
func (p *Pipeline) runShard(ctx context.Context, idx int) {
	defer p.wg.Done()

	s := &p.shards[idx]
	label := strconv.Itoa(idx)
	sweep := time.NewTicker(p.opts.SessionIdle / 2)
	defer sweep.Stop()

	for {
		select {
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			p.metrics.PipelineQueueDepth.WithLabelValues(label).Set(float64(len(s.queue)))
			p.process(ctx, s, item)
		case <-sweep.C:
			p.sweepSessions(s)
		}
	}
}

// process runs one frame through the ordered sink sequence. The worker
// does not pick up the next item for this shard until the durable buffer
// accepted the readings and the fan-out calls returned.
func (p *Pipeline) process(ctx context.Context, s *shard, item Item) {
	sess := p.resolveSession(s, item)
	sess.lastSeq++
	sess.lastActivity = item.Env.DeviceTimestamp

	readings := p.normalize(item)

	// Durable first: park on WAB-full rather than drop. The retry ticks
	// are short so backpressure releases promptly once the flusher frees
	// capacity.
	for {
		err := p.durable.Write(readings)
		if err == nil {
			break
		}
		if !errors.Is(err, sink.ErrWABFull) {
			// Buffer closed mid-drain. The readings never reached durable
			// storage, so they count against the shutdown-loss total.
			p.metrics.ShutdownLostReadings.Add(float64(len(readings)))
			p.logger.Warn("durable buffer rejected frame during shutdown",
				"device_id", item.Env.DeviceID, "readings", len(readings), "error", err)
			return
		}
		select {
		case <-ctx.Done():
			p.metrics.ShutdownLostReadings.Add(float64(len(readings)))
			p.logger.Warn("shutdown while parked on full write-ahead buffer",
				"device_id", item.Env.DeviceID, "readings", len(readings))
			return
		case <-time.After(5 * time.Millisecond):
		}
	}

	if item.Ack != nil {
		item.Ack()
	}

	if p.hub != nil {
		p.hub.Publish(readings)
	}
	if p.alerts != nil {
		p.alerts.Observe(sess.device, readings)
	}

	at := time.Now().UTC()
	if len(readings) > 0 {
		at = readings[0].IngestTimestamp
	}
	sample := frameSample(readings)
	if err := p.toucher.Touch(item.Env.DeviceID, at, sample, item.Env.Firmware); err != nil {
		p.logger.Debug("registry touch failed", "device_id", item.Env.DeviceID, "error", err)
	}
}

// normalize applies post-decode checks: quarantine degradation, invalid
// counting, and derived fields.
func (p *Pipeline) normalize(item Item) []codec.Reading {
	readings := item.Readings

	for i := range readings {
		if item.Device.Quarantined && readings[i].Quality == codec.QualityGood {
			readings[i].Quality = codec.QualitySuspect
		}
		if readings[i].Quality == codec.QualityInvalid {
			p.metrics.ReadingsInvalid.Inc()
		}
	}

	return deriveReadings(readings)
}

// resolveSession finds or creates the device session on this shard.
func (p *Pipeline) resolveSession(s *shard, item Item) *session {
	sess, ok := s.sessions[item.Env.DeviceID]
	if !ok {
		sess = &session{device: item.Device}
		s.sessions[item.Env.DeviceID] = sess
		p.metrics.PipelineSessions.Inc()
	} else {
		sess.device = item.Device
	}
	return sess
}

// sweepSessions destroys sessions idle past the configured period.
func (p *Pipeline) sweepSessions(s *shard) {
	cutoff := time.Now().Add(-p.opts.SessionIdle)
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			p.metrics.PipelineSessions.Dec()
		}
	}
}

// frameSample condenses a frame into the registry's health sample: the
// worst quality seen plus the battery voltage when present.
func frameSample(readings []codec.Reading) registry.QualitySample {
	sample := registry.QualitySample{Quality: codec.QualityGood}
	for i := range readings {
		r := &readings[i]
		if worse(r.Quality, sample.Quality) {
			sample.Quality = r.Quality
		}
		if r.Kind == codec.KindBattery {
			v := r.Value
			sample.Battery = &v
		}
	}
	return sample
}

// worse reports whether a is a lower grade than b.
func worse(a, b codec.Quality) bool {
	rank := func(q codec.Quality) int {
		switch q {
		case codec.QualityGood:
			return 0
		case codec.QualitySuspect:
			return 1
		default:
			return 2
		}
	}
	return rank(a) > rank(b)
}

// shardIndex hashes a device id onto its lane.
func (p *Pipeline) shardIndex(deviceID string) uint64 {
	return xxhash.Sum64String(deviceID) & p.mask
}
