// Package supervisor owns the gateway's runtime lifecycle: it starts
// the long-running components in dependency order, runs the periodic
// maintenance sweeps, answers readiness probes, and executes the
// ordered drain on shutdown.
//
// Drain order mirrors the data path: stop intake first, let the
// pipeline shards empty, flush the write-ahead buffer against the
// drain deadline, then close subscriber sessions. Whatever the
// deadline cuts off is counted, never silently dropped.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/alert"
	"github.com/smartsensor/sensor-gateway/internal/hub"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/logging"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/mqtt"
	"github.com/smartsensor/sensor-gateway/internal/ingest"
	"github.com/smartsensor/sensor-gateway/internal/pipeline"
	"github.com/smartsensor/sensor-gateway/internal/registry"
	"github.com/smartsensor/sensor-gateway/internal/sink"
)

const (
	// storeStaleAfter is the flush recency bound for readiness: buffered
	// readings older than this mean the durable store is stuck.
	storeStaleAfter = 60 * time.Second

	// wabHighWater / wabLowWater bound the buffer-occupancy self-alert
	// with hysteresis.
	wabHighWater = 0.80
	wabLowWater  = 0.60

	// wabWatchInterval is the buffer occupancy poll cadence.
	wabWatchInterval = 5 * time.Second

	// Maintenance cadences.
	stateFlushInterval = 30 * time.Second
	healthInterval     = time.Minute
	evictInterval      = 10 * time.Minute
	pruneInterval      = time.Hour

	// limiterIdle is how long an untouched token bucket survives.
	limiterIdle = 10 * time.Minute

	// residualSettle bounds the post-drain wait for shard workers to
	// account frames the closed buffer rejected.
	residualSettle = 5 * time.Second

	// alertRetention is how long resolved alerts stay queryable.
	alertRetention = 7 * 24 * time.Hour
)

// Rule ids of the gateway self-alerts raised by the watcher.
const (
	wabNearFullRule     = "gateway_wab_near_full"
	subscriberDropsRule = "gateway_subscriber_drops"
)

// subscriberDropRate is the per-second frame drop rate across all
// subscribers above which the self-alert fires.
const subscriberDropRate = 50.0

// Components are the started-but-not-running parts the supervisor
// orchestrates. MQTT, Consumer, Engine, Dispatcher, Limiter, and
// AlertRepo may be nil in partial deployments; the rest are required.
type Components struct {
	MQTT       *mqtt.Client
	Consumer   *ingest.Consumer
	Pipeline   *pipeline.Pipeline
	Buffer     *sink.Buffer
	Hub        *hub.Hub
	Engine     *alert.Engine
	Dispatcher *alert.Dispatcher
	Registry   *registry.Registry
	Limiter    *ingest.Limiter
	AlertRepo  alert.Repository
	Logger     *logging.Logger

	// DrainDeadline bounds the shutdown flush of pipeline and buffer.
	DrainDeadline time.Duration

	// WABCapacity sizes the occupancy self-alert thresholds.
	WABCapacity int
}

// Supervisor runs the gateway's component graph.
type Supervisor struct {
	c      Components
	logger *logging.Logger

	// Independent cancellations so the drain can stop stages in order
	// rather than all at once.
	bgCancel    context.CancelFunc
	flushCancel context.CancelFunc
	hubCancel   context.CancelFunc

	flushDone chan struct{}
	hubDone   chan struct{}
	bgWG      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a Supervisor.
func New(c Components) (*Supervisor, error) {
	if c.Pipeline == nil || c.Buffer == nil || c.Hub == nil || c.Registry == nil {
		return nil, fmt.Errorf("supervisor: pipeline, buffer, hub, and registry are required")
	}
	if c.Logger == nil {
		return nil, fmt.Errorf("supervisor: logger is required")
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 30 * time.Second
	}
	return &Supervisor{
		c:         c,
		logger:    c.Logger,
		flushDone: make(chan struct{}),
		hubDone:   make(chan struct{}),
	}, nil
}

// Start launches the component goroutines. The parent context is not
// used for teardown; call Shutdown so the drain runs in order.
func (s *Supervisor) Start(_ context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already started")
	}
	s.started = true
	s.mu.Unlock()

	var bgCtx, flushCtx, hubCtx context.Context
	bgCtx, s.bgCancel = context.WithCancel(context.Background())
	flushCtx, s.flushCancel = context.WithCancel(context.Background())
	hubCtx, s.hubCancel = context.WithCancel(context.Background())

	go func() {
		s.c.Hub.Run(hubCtx)
		close(s.hubDone)
	}()

	go func() {
		s.c.Buffer.Run(flushCtx)
		close(s.flushDone)
	}()

	s.c.Pipeline.Start(bgCtx)

	if s.c.Dispatcher != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.c.Dispatcher.Run(bgCtx)
		}()
	}

	s.bgWG.Add(2)
	go s.runMaintenance(bgCtx)
	go s.watchBuffer(bgCtx)

	if s.c.Consumer != nil {
		if err := s.c.Consumer.Start(bgCtx); err != nil {
			return fmt.Errorf("starting mqtt consumer: %w", err)
		}
	}

	s.logger.Info("supervisor started")
	return nil
}

// Ready reports whether the gateway should receive traffic: the MQTT
// session is up and the durable store is keeping pace. A gateway with
// buffered readings and no store acknowledgment for a minute is
// ingesting into a buffer it cannot empty.
func (s *Supervisor) Ready() (bool, map[string]string) {
	detail := make(map[string]string, 2)

	mqttOK := true
	if s.c.MQTT != nil {
		mqttOK = s.c.MQTT.IsConnected()
	}
	if mqttOK {
		detail["mqtt"] = "connected"
	} else {
		detail["mqtt"] = "disconnected"
	}

	depth := s.c.Buffer.Depth()
	age := s.c.Buffer.LastFlushAge()
	storeOK := depth == 0 || age < storeStaleAfter
	detail["durable"] = fmt.Sprintf("depth=%d last_flush_age=%s", depth, age.Truncate(time.Millisecond))

	return mqttOK && storeOK, detail
}

// Shutdown executes the ordered drain. Safe to call once; later calls
// are no-ops.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(context.Background(), s.c.DrainDeadline)
	defer cancel()

	// 1. Stop intake. Unacked MQTT messages are redelivered to the next
	// session; the HTTP listener was closed by the caller already.
	if s.c.Consumer != nil {
		s.logger.Info("drain: stopping mqtt consumer")
		if err := s.c.Consumer.Close(); err != nil {
			s.logger.Warn("drain: mqtt consumer close", "error", err)
		}
	}

	// 2. Let the pipeline shards empty into the buffer.
	s.logger.Info("drain: waiting for pipeline shards")
	s.c.Pipeline.Close()
	if err := s.c.Pipeline.Wait(drainCtx); err != nil {
		s.logger.Error("drain: pipeline did not empty before deadline", "error", err)
	}

	// 3. Flush the write-ahead buffer against the remaining deadline.
	s.c.Buffer.Close()
	s.flushCancel()
	<-s.flushDone
	s.logger.Info("drain: flushing write-ahead buffer", "depth", s.c.Buffer.Depth())
	if lost := s.c.Buffer.Drain(drainCtx); lost > 0 {
		s.logger.Error("drain: readings lost to deadline", "count", lost)
	}

	// The closed buffer now rejects writes instantly, so any shard worker
	// that missed the deadline in step 2 fails fast through its residual
	// queue, counting each frame as lost. Give that accounting a moment
	// to finish before the loss total is read.
	settleCtx, settleCancel := context.WithTimeout(context.Background(), residualSettle)
	if err := s.c.Pipeline.Wait(settleCtx); err != nil {
		s.logger.Error("drain: pipeline residue not accounted", "error", err)
	}
	settleCancel()

	// 4. Stop the alert engine and let the dispatcher drain its queue.
	if s.c.Engine != nil {
		s.c.Engine.Close()
	}
	s.bgCancel()
	if s.c.Dispatcher != nil {
		s.c.Dispatcher.Wait()
	}
	s.bgWG.Wait()

	// 5. Close subscriber sessions last so live dashboards see the tail
	// of the data.
	s.logger.Info("drain: closing subscriber sessions")
	s.hubCancel()
	<-s.hubDone

	s.logger.Info("supervisor stopped")
}

// runMaintenance owns the periodic sweeps: registry state flush and
// health recompute, idle eviction, limiter bucket pruning, and alert
// history retention.
func (s *Supervisor) runMaintenance(ctx context.Context) {
	defer s.bgWG.Done()

	stateFlush := time.NewTicker(stateFlushInterval)
	health := time.NewTicker(healthInterval)
	evict := time.NewTicker(evictInterval)
	prune := time.NewTicker(pruneInterval)
	defer stateFlush.Stop()
	defer health.Stop()
	defer evict.Stop()
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final state flush so last-seen survives the restart.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.c.Registry.FlushState(flushCtx); err != nil {
				s.logger.Warn("final registry flush", "error", err)
			}
			cancel()
			return

		case <-stateFlush.C:
			if err := s.c.Registry.FlushState(ctx); err != nil {
				s.logger.Warn("registry state flush", "error", err)
			}

		case <-health.C:
			s.c.Registry.RecomputeHealth()

		case <-evict.C:
			if n := s.c.Registry.EvictIdle(); n > 0 {
				s.logger.Info("evicted idle devices", "count", n)
			}
			if s.c.Limiter != nil {
				s.c.Limiter.PruneIdle(limiterIdle)
			}

		case <-prune.C:
			if s.c.AlertRepo == nil {
				continue
			}
			cutoff := time.Now().UTC().Add(-alertRetention)
			if n, err := s.c.AlertRepo.PruneResolved(ctx, cutoff); err != nil {
				s.logger.Warn("pruning resolved alerts", "error", err)
			} else if n > 0 {
				s.logger.Info("pruned resolved alerts", "count", n)
			}
		}
	}
}

// watchBuffer raises the gateway self-alerts: write-ahead buffer
// occupancy crossing the high-water mark (cleared with hysteresis) and
// sustained subscriber frame drops.
func (s *Supervisor) watchBuffer(ctx context.Context) {
	defer s.bgWG.Done()

	if s.c.Engine == nil {
		return
	}

	high := int(float64(s.c.WABCapacity) * wabHighWater)
	low := int(float64(s.c.WABCapacity) * wabLowWater)

	lastDropped := s.c.Hub.DroppedTotal()

	ticker := time.NewTicker(wabWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.c.WABCapacity > 0 {
				depth := s.c.Buffer.Depth()
				switch {
				case depth >= high:
					s.c.Engine.RaiseGateway(wabNearFullRule, alert.SeverityCritical,
						float64(depth), float64(high),
						"write-ahead buffer nearing capacity; durable store is not keeping up")
				case depth <= low:
					s.c.Engine.ClearGateway(wabNearFullRule)
				}
			}

			dropped := s.c.Hub.DroppedTotal()
			rate := float64(dropped-lastDropped) / wabWatchInterval.Seconds()
			lastDropped = dropped
			switch {
			case rate >= subscriberDropRate:
				s.c.Engine.RaiseGateway(subscriberDropsRule, alert.SeverityWarning,
					rate, subscriberDropRate,
					"subscribers are dropping frames; slow consumers or undersized outboxes")
			case rate == 0:
				s.c.Engine.ClearGateway(subscriberDropsRule)
			}
		}
	}
}
