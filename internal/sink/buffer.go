package sink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
)

// Logger defines the logging interface used by the Buffer.
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

// Buffer defaults.
const (
	defaultCapacity   = 1_000_000
	defaultBatchSize  = 1000
	defaultBatchAge   = 500 * time.Millisecond
	defaultBackoffMin = 100 * time.Millisecond
	defaultBackoffMax = 30 * time.Second
)

// Options configures a Buffer.
type Options struct {
	// Capacity is the ring size in readings. Default 1,000,000.
	Capacity int

	// BatchSize triggers a flush when this many readings are buffered.
	// Default 1000.
	BatchSize int

	// BatchAge triggers a flush when the buffer has been non-empty this
	// long. Default 500ms.
	BatchAge time.Duration

	// BackoffMin/BackoffMax bound the retry backoff on store failures.
	// Defaults 100ms and 30s.
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// Buffer is the in-memory write-ahead buffer between the pipeline and the
// durable store.
//
// Pipeline shards push with Write; a single flusher goroutine (Run) pops
// batches and issues them to the Appender, retrying failed batches with
// exponential backoff indefinitely. The buffer keeps accepting writes
// while the store is down, until capacity — then Write returns ErrWABFull
// and the pipeline parks (backpressure, never drop).
//
// A batch stays in the ring until the store acknowledges it, so Depth
// reflects every unflushed reading including the in-flight batch.
//
// The buffer is memory only. On process restart its contents are gone;
// durability floor is the last acknowledged batch. Drain bounds the loss
// at shutdown and counts whatever could not be flushed.
type Buffer struct {
	appender Appender
	opts     Options
	metrics  *metrics.Metrics
	logger   Logger

	mu     sync.Mutex
	ring   []codec.Reading
	head   int
	size   int
	closed bool

	// notEmpty wakes the flusher after a Write. Capacity 1: a pending
	// wake-up is never needed twice.
	notEmpty chan struct{}

	lastFlush atomic.Int64 // unix nanos of the last acknowledged batch
	hwm       atomic.Int64
}

// NewBuffer creates a write-ahead buffer in front of the given appender.
// The metrics instance is required; pass a fresh metrics.New() in tests.
func NewBuffer(appender Appender, m *metrics.Metrics, opts Options) *Buffer {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchAge <= 0 {
		opts.BatchAge = defaultBatchAge
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = defaultBackoffMin
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = defaultBackoffMax
	}

	b := &Buffer{
		appender: appender,
		opts:     opts,
		metrics:  m,
		logger:   noopLogger{},
		ring:     make([]codec.Reading, opts.Capacity),
		notEmpty: make(chan struct{}, 1),
	}
	b.lastFlush.Store(time.Now().UnixNano())
	return b
}

// SetLogger sets the logger for the buffer.
func (b *Buffer) SetLogger(logger Logger) {
	b.logger = logger
}

// Write enqueues a batch of readings.
//
// All-or-nothing: if the batch does not fit, nothing is enqueued and
// ErrWABFull is returned so the caller can park without partial state.
func (b *Buffer) Write(readings []codec.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.size+len(readings) > b.opts.Capacity {
		b.mu.Unlock()
		return ErrWABFull
	}

	for i := range readings {
		b.ring[(b.head+b.size)%b.opts.Capacity] = readings[i]
		b.size++
	}
	depth := b.size
	b.mu.Unlock()

	b.metrics.WABDepth.Set(float64(depth))

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

// Close stops accepting writes. Run keeps flushing what remains.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Depth returns the count of unflushed readings.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// HighWaterMark returns the cumulative count of readings acknowledged by
// the store.
func (b *Buffer) HighWaterMark() int64 {
	return b.hwm.Load()
}

// LastFlushAge returns the time since the store last acknowledged a
// batch. Readiness checks gate on this.
func (b *Buffer) LastFlushAge() time.Duration {
	return time.Since(time.Unix(0, b.lastFlush.Load()))
}

// Run drains the buffer until ctx is cancelled. Call once, from its own
// goroutine.
func (b *Buffer) Run(ctx context.Context) {
	for {
		if b.Depth() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-b.notEmpty:
			}
		}

		// Wait for a full batch or the age trigger, whichever first.
		ageTimer := time.NewTimer(b.opts.BatchAge)
	fill:
		for b.Depth() < b.opts.BatchSize {
			select {
			case <-ctx.Done():
				ageTimer.Stop()
				return
			case <-ageTimer.C:
				break fill
			case <-b.notEmpty:
			}
		}
		ageTimer.Stop()

		batch := b.peek(b.opts.BatchSize)
		if len(batch) == 0 {
			continue
		}
		if !b.flush(ctx, batch) {
			// Cancelled mid-retry; the batch is still in the ring for
			// Drain to pick up.
			return
		}
		b.drop(len(batch))
	}
}

// Drain flushes everything left in the buffer, bounded by ctx. Returns
// the count of readings lost to the deadline. Call after Run has
// returned.
func (b *Buffer) Drain(ctx context.Context) int {
	for {
		batch := b.peek(b.opts.BatchSize)
		if len(batch) == 0 {
			return 0
		}
		if !b.flush(ctx, batch) {
			lost := b.Depth()
			b.metrics.ShutdownLostReadings.Add(float64(lost))
			b.metrics.WABDepth.Set(0)
			b.logger.Error("drain deadline expired, readings lost", "count", lost)
			return lost
		}
		b.drop(len(batch))
	}
}

// flush issues one batch to the store, retrying with exponential backoff
// until acknowledged or ctx is cancelled. Returns false on cancellation.
func (b *Buffer) flush(ctx context.Context, batch []codec.Reading) bool {
	backoff := b.opts.BackoffMin

	for {
		start := time.Now()
		_, err := b.appender.Append(ctx, batch)
		if err == nil {
			b.metrics.FlushLatency.Observe(time.Since(start).Seconds())
			b.metrics.ReadingsStored.Add(float64(len(batch)))
			b.lastFlush.Store(time.Now().UnixNano())
			b.hwm.Add(int64(len(batch)))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		b.metrics.FlushFailures.Inc()
		b.logger.Warn("durable flush failed, retrying",
			"batch", len(batch), "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > b.opts.BackoffMax {
			backoff = b.opts.BackoffMax
		}
	}
}

// peek copies up to n readings from the head without removing them.
func (b *Buffer) peek(n int) []codec.Reading {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.size {
		n = b.size
	}
	if n == 0 {
		return nil
	}
	out := make([]codec.Reading, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.head+i)%b.opts.Capacity]
	}
	return out
}

// drop removes n acknowledged readings from the head.
func (b *Buffer) drop(n int) {
	b.mu.Lock()
	if n > b.size {
		n = b.size
	}
	b.head = (b.head + n) % b.opts.Capacity
	b.size -= n
	depth := b.size
	b.mu.Unlock()

	b.metrics.WABDepth.Set(float64(depth))
}
