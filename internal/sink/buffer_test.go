package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
)

// flakyAppender fails every Append while failing is set.
type flakyAppender struct {
	mu       sync.Mutex
	failing  bool
	appended []codec.Reading
	calls    atomic.Int64
}

func (a *flakyAppender) Append(_ context.Context, readings []codec.Reading) (int64, error) {
	a.calls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failing {
		return int64(len(a.appended)), errors.New("store unavailable")
	}
	a.appended = append(a.appended, readings...)
	return int64(len(a.appended)), nil
}

func (a *flakyAppender) setFailing(failing bool) {
	a.mu.Lock()
	a.failing = failing
	a.mu.Unlock()
}

func (a *flakyAppender) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.appended)
}

func testReadings(deviceID string, n int) []codec.Reading {
	now := time.Now().UTC()
	out := make([]codec.Reading, n)
	for i := range out {
		out[i] = codec.Reading{
			DeviceID:        deviceID,
			Kind:            codec.KindPressure,
			Position:        codec.PositionFrontLeft,
			Value:           220,
			Unit:            "kPa",
			DeviceTimestamp: now,
			IngestTimestamp: now,
			Quality:         codec.QualityGood,
		}
	}
	return out
}

func TestBuffer_FlushesBySize(t *testing.T) {
	appender := &flakyAppender{}
	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:  100,
		BatchSize: 10,
		BatchAge:  time.Hour, // size trigger only
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	if err := b.Write(testReadings("D1", 10)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return appender.count() == 10 })

	if b.Depth() != 0 {
		t.Errorf("Depth() = %d after flush, want 0", b.Depth())
	}
	if b.HighWaterMark() != 10 {
		t.Errorf("HighWaterMark() = %d, want 10", b.HighWaterMark())
	}

	cancel()
	<-done
}

func TestBuffer_FlushesByAge(t *testing.T) {
	appender := &flakyAppender{}
	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:  100,
		BatchSize: 1000, // age trigger only
		BatchAge:  20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	if err := b.Write(testReadings("D1", 3)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	waitFor(t, time.Second, func() bool { return appender.count() == 3 })
}

func TestBuffer_FullReturnsErrWABFull(t *testing.T) {
	appender := &flakyAppender{}
	appender.setFailing(true)

	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:   8,
		BatchSize:  4,
		BatchAge:   time.Millisecond,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
	})

	if err := b.Write(testReadings("D1", 8)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := b.Write(testReadings("D1", 1)); !errors.Is(err, ErrWABFull) {
		t.Errorf("Write() on full buffer error = %v, want ErrWABFull", err)
	}
	// Failed Write enqueued nothing.
	if b.Depth() != 8 {
		t.Errorf("Depth() = %d, want 8", b.Depth())
	}
}

func TestBuffer_StorageOutageRecovery(t *testing.T) {
	appender := &flakyAppender{}
	appender.setFailing(true)

	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:   100,
		BatchSize:  5,
		BatchAge:   5 * time.Millisecond,
		BackoffMin: time.Millisecond,
		BackoffMax: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	// Writes keep landing while the store is down.
	for i := 0; i < 4; i++ {
		if err := b.Write(testReadings("D1", 5)); err != nil {
			t.Fatalf("Write() during outage error = %v", err)
		}
	}

	waitFor(t, time.Second, func() bool { return appender.calls.Load() > 2 })
	if appender.count() != 0 {
		t.Fatalf("store accepted %d readings while failing", appender.count())
	}
	if b.Depth() != 20 {
		t.Errorf("Depth() = %d during outage, want 20", b.Depth())
	}

	// Recovery drains everything, nothing lost.
	appender.setFailing(false)
	waitFor(t, 2*time.Second, func() bool { return appender.count() == 20 })
	if b.Depth() != 0 {
		t.Errorf("Depth() = %d after recovery, want 0", b.Depth())
	}
}

func TestBuffer_DrainFlushesRemainder(t *testing.T) {
	appender := &flakyAppender{}
	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:  100,
		BatchSize: 10,
		BatchAge:  time.Hour,
	})

	if err := b.Write(testReadings("D1", 7)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	b.Close()

	if err := b.Write(testReadings("D1", 1)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if lost := b.Drain(ctx); lost != 0 {
		t.Errorf("Drain() lost = %d, want 0", lost)
	}
	if appender.count() != 7 {
		t.Errorf("store has %d readings after drain, want 7", appender.count())
	}
}

func TestBuffer_DrainDeadlineCountsLost(t *testing.T) {
	appender := &flakyAppender{}
	appender.setFailing(true)

	b := NewBuffer(appender, metrics.New(), Options{
		Capacity:   100,
		BatchSize:  10,
		BatchAge:   time.Hour,
		BackoffMin: time.Millisecond,
		BackoffMax: 5 * time.Millisecond,
	})

	if err := b.Write(testReadings("D1", 15)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if lost := b.Drain(ctx); lost != 15 {
		t.Errorf("Drain() lost = %d, want 15", lost)
	}
}

func TestNoopAppender(t *testing.T) {
	a := &NoopAppender{}
	hwm, err := a.Append(context.Background(), testReadings("D1", 3))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if hwm != 3 {
		t.Errorf("hwm = %d, want 3", hwm)
	}
	hwm, _ = a.Append(context.Background(), testReadings("D1", 2))
	if hwm != 5 {
		t.Errorf("hwm = %d, want 5", hwm)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
