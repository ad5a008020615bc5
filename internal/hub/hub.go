package hub

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
)

// Subprotocol is the negotiated WebSocket subprotocol for the stream
// endpoint.
const Subprotocol = "smartsensor.v1"

// DropPolicy controls what happens when a subscriber's outbox is full.
type DropPolicy string

const (
	// DropSlow drops the oldest undelivered frame and keeps the socket.
	DropSlow DropPolicy = "slow_drop"
	// DropDisconnect closes the socket with a "subscriber too slow"
	// reason.
	DropDisconnect DropPolicy = "disconnect"
)

// Logger defines the logging interface used by the Hub.
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

// Hub defaults.
const (
	defaultOutboxCapacity    = 1024
	defaultHeartbeatInterval = 15 * time.Second
	defaultPongTimeout       = 30 * time.Second
	defaultMaxMessageSize    = 4096
)

// Options configures a Hub.
type Options struct {
	// OutboxCapacity is the per-subscriber bounded queue depth.
	// Default 1024.
	OutboxCapacity int

	// DropPolicy applies when an outbox is full. Default DropSlow.
	DropPolicy DropPolicy

	// HeartbeatInterval is the protocol ping cadence. Default 15s.
	HeartbeatInterval time.Duration

	// PongTimeout closes sockets that miss pongs this long. Default 30s.
	PongTimeout time.Duration

	// MaxMessageSize bounds inbound client messages. Default 4096.
	MaxMessageSize int64
}

// Hub fans accepted readings out to WebSocket subscribers.
//
// Every reading is encoded exactly once per broadcast; the blob is
// shared by reference across all matching outboxes. Enqueue is always
// non-blocking: a slow subscriber degrades only its own stream (drop or
// disconnect per policy) and can never stall the pipeline.
type Hub struct {
	opts    Options
	metrics *metrics.Metrics
	logger  Logger

	dropped atomic.Int64

	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// Subscriber is one connected stream client.
type Subscriber struct {
	ID        string
	principal auth.Principal

	hub    *Hub
	conn   *websocket.Conn
	outbox chan []byte

	// slow is closed by the hub to order the write pump to close the
	// socket with a policy reason. Write pump owns the connection, so
	// the hub never writes control frames itself.
	slow     chan struct{}
	slowOnce sync.Once

	mu      sync.RWMutex
	filter  *Filter
	dropped int64
	closed  bool
}

// upgrader configures the WebSocket upgrader for the stream endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware.
		return true
	},
}

// New creates a Hub.
func New(m *metrics.Metrics, opts Options) *Hub {
	if opts.OutboxCapacity <= 0 {
		opts.OutboxCapacity = defaultOutboxCapacity
	}
	if opts.DropPolicy == "" {
		opts.DropPolicy = DropSlow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}

	return &Hub{
		opts:        opts,
		metrics:     m,
		logger:      noopLogger{},
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// SetLogger sets the logger for the hub.
func (h *Hub) SetLogger(logger Logger) {
	h.logger = logger
}

// Run blocks until ctx is cancelled, then closes every subscriber.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Publish broadcasts readings to all matching subscriptions. Non-blocking:
// outbox overflow is handled per drop policy, never by waiting.
func (h *Hub) Publish(readings []codec.Reading) {
	if len(readings) == 0 {
		return
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	for i := range readings {
		r := &readings[i]

		// Encode once; the blob is shared across subscribers.
		blob, err := codec.EncodeReading(*r)
		if err != nil {
			h.logger.Error("encoding stream frame", "device_id", r.DeviceID, "error", err)
			continue
		}

		for _, s := range subs {
			if s.matches(r) {
				h.enqueue(s, blob)
			}
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// HandleStream upgrades an authenticated request to a stream
// subscription and runs its pumps. The caller (API layer) has already
// resolved the principal.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request, principal auth.Principal) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := &Subscriber{
		ID:        uuid.NewString(),
		principal: principal,
		hub:       h,
		conn:      conn,
		outbox:    make(chan []byte, h.opts.OutboxCapacity),
		slow:      make(chan struct{}),
	}

	h.register(s)
	go s.writePump()
	go s.readPump()
}

// register adds a subscriber to the broadcast set.
func (h *Hub) register(s *Subscriber) {
	h.mu.Lock()
	h.subscribers[s] = struct{}{}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.SubscribersConnected.Set(float64(count))
	h.logger.Debug("subscriber connected", "subscriber_id", s.ID, "subscribers", count)
}

// unregister removes a subscriber. Only the goroutine that wins the map
// removal closes the outbox, preventing double-close during shutdown.
func (h *Hub) unregister(s *Subscriber) {
	h.mu.Lock()
	_, existed := h.subscribers[s]
	delete(h.subscribers, s)
	count := len(h.subscribers)
	h.mu.Unlock()

	if existed {
		s.closeOutbox()
	}
	h.metrics.SubscribersConnected.Set(float64(count))
	h.logger.Debug("subscriber disconnected",
		"subscriber_id", s.ID, "dropped", s.droppedCount(), "subscribers", count)
}

// enqueue offers one blob to a subscriber's outbox without blocking.
// The subscriber lock orders enqueue against teardown: the outbox only
// closes once no send is in flight, and frames arriving after close are
// silently discarded.
func (h *Hub) enqueue(s *Subscriber, blob []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.outbox <- blob:
		return
	default:
	}

	switch h.opts.DropPolicy {
	case DropDisconnect:
		h.dropped.Add(1)
		h.metrics.SubscriberDroppedFrame.WithLabelValues(string(DropDisconnect)).Inc()
		s.markSlow()
	default:
		// Drop the oldest undelivered frame to make room for the newest.
		// Enqueue is the only sender and holds the lock, so the freed
		// slot cannot be taken before the retry below.
		select {
		case <-s.outbox:
		default:
		}
		s.dropped++
		h.dropped.Add(1)
		h.metrics.SubscriberDroppedFrame.WithLabelValues(string(DropSlow)).Inc()
		select {
		case s.outbox <- blob:
		default:
		}
	}
}

// DroppedTotal is the cumulative count of frames dropped across all
// subscribers since the hub was created.
func (h *Hub) DroppedTotal() int64 {
	return h.dropped.Load()
}

// closeAll disconnects every subscriber during shutdown.
func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for s := range h.subscribers {
		subs = append(subs, s)
		delete(h.subscribers, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.closeOutbox()
	}
	h.metrics.SubscribersConnected.Set(0)
}

// matches checks the subscription filter; unsubscribed clients receive
// nothing.
func (s *Subscriber) matches(r *codec.Reading) bool {
	s.mu.RLock()
	f := s.filter
	s.mu.RUnlock()
	if f == nil {
		return false
	}
	return f.Matches(r, s.principal)
}

// setFilter installs the subscription filter.
func (s *Subscriber) setFilter(f *Filter) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

// markSlow orders the write pump to close the socket. Idempotent.
func (s *Subscriber) markSlow() {
	s.slowOnce.Do(func() {
		close(s.slow)
	})
}

// closeOutbox marks the subscriber closed and closes its outbox. The
// lock excludes in-flight enqueues, so the close never races a send.
func (s *Subscriber) closeOutbox() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbox)
}

func (s *Subscriber) droppedCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dropped
}
