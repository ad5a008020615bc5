package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/hub"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/logging"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/pipeline"
	"github.com/smartsensor/sensor-gateway/internal/registry"
	"github.com/smartsensor/sensor-gateway/internal/sink"
)

// countingAppender acknowledges every batch and counts readings.
type countingAppender struct {
	hwm atomic.Int64
}

func (a *countingAppender) Append(_ context.Context, readings []codec.Reading) (int64, error) {
	return a.hwm.Add(int64(len(readings))), nil
}

type testHarness struct {
	sup      *Supervisor
	pipe     *pipeline.Pipeline
	buffer   *sink.Buffer
	appender *countingAppender
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	m := metrics.New()
	appender := &countingAppender{}
	buffer := sink.NewBuffer(appender, m, sink.Options{
		Capacity:  1000,
		BatchSize: 10,
		BatchAge:  10 * time.Millisecond,
	})
	h := hub.New(m, hub.Options{})
	reg := registry.New(registry.Options{Policy: registry.PolicyAutoProvision})
	pipe := pipeline.New(buffer, h, nil, reg, m,
		pipeline.Options{Shards: 2, QueueDepth: 32})

	sup, err := New(Components{
		Pipeline:      pipe,
		Buffer:        buffer,
		Hub:           h,
		Registry:      reg,
		Logger:        logging.New(config.LoggingConfig{Level: "error"}, "test"),
		DrainDeadline: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testHarness{sup: sup, pipe: pipe, buffer: buffer, appender: appender}
}

func testItem(deviceID string) pipeline.Item {
	now := time.Now().UTC()
	return pipeline.Item{
		Env: codec.Envelope{DeviceID: deviceID, DeviceTimestamp: now},
		Readings: []codec.Reading{{
			DeviceID:        deviceID,
			Kind:            codec.KindPressure,
			Value:           220,
			Unit:            "kPa",
			DeviceTimestamp: now,
			IngestTimestamp: now,
			Quality:         codec.QualityGood,
		}},
		Device: registry.DeviceView{ID: deviceID, Kind: registry.KindTPMS},
	}
}

func TestSupervisor_RequiresCoreComponents(t *testing.T) {
	_, err := New(Components{})
	if err == nil {
		t.Fatal("New() accepted empty components")
	}
}

func TestSupervisor_ReadyWhenIdle(t *testing.T) {
	h := newTestHarness(t)

	// No MQTT client configured and an empty buffer: ready.
	ready, detail := h.sup.Ready()
	if !ready {
		t.Errorf("Ready() = false, detail %v", detail)
	}
	if detail["mqtt"] != "connected" {
		t.Errorf("mqtt detail = %q, want connected (no client configured)", detail["mqtt"])
	}
}

func TestSupervisor_ShutdownDrainsEverything(t *testing.T) {
	h := newTestHarness(t)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	const frames = 25
	for i := 0; i < frames; i++ {
		if err := h.pipe.Offer(testItem("HK_000001")); err != nil {
			t.Fatalf("Offer() frame %d error = %v", i, err)
		}
	}

	h.sup.Shutdown()

	if got := h.appender.hwm.Load(); got != frames {
		t.Errorf("store acknowledged %d readings, want %d", got, frames)
	}
	if depth := h.buffer.Depth(); depth != 0 {
		t.Errorf("buffer depth after drain = %d, want 0", depth)
	}
}

// brokenAppender rejects every batch, simulating an unreachable store.
type brokenAppender struct{}

func (brokenAppender) Append(context.Context, []codec.Reading) (int64, error) {
	return 0, context.DeadlineExceeded
}

func TestSupervisor_ShutdownCountsPipelineResidue(t *testing.T) {
	m := metrics.New()
	buffer := sink.NewBuffer(brokenAppender{}, m, sink.Options{
		Capacity:   4,
		BatchSize:  4,
		BatchAge:   5 * time.Millisecond,
		BackoffMin: time.Hour,
		BackoffMax: time.Hour,
	})
	h := hub.New(m, hub.Options{})
	reg := registry.New(registry.Options{Policy: registry.PolicyAutoProvision})
	pipe := pipeline.New(buffer, h, nil, reg, m,
		pipeline.Options{Shards: 1, QueueDepth: 32})

	sup, err := New(Components{
		Pipeline:      pipe,
		Buffer:        buffer,
		Hub:           h,
		Registry:      reg,
		Logger:        logging.New(config.LoggingConfig{Level: "error"}, "test"),
		DrainDeadline: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Four readings fit the ring; the rest stay queued behind a shard
	// worker parked on the full buffer.
	const frames = 10
	for i := 0; i < frames; i++ {
		if err := pipe.Offer(testItem("HK_000001")); err != nil {
			t.Fatalf("Offer() frame %d error = %v", i, err)
		}
	}

	sup.Shutdown()

	// Every undelivered reading must land in the loss counter, whether it
	// was stranded in the ring or still queued in the pipeline.
	if got := testutil.ToFloat64(m.ShutdownLostReadings); got != frames {
		t.Errorf("shutdown loss counter = %v, want %d", got, frames)
	}
}

func TestSupervisor_ShutdownIsIdempotent(t *testing.T) {
	h := newTestHarness(t)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	h.sup.Shutdown()

	done := make(chan struct{})
	go func() {
		h.sup.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Shutdown() did not return")
	}
}

func TestSupervisor_StartTwiceFails(t *testing.T) {
	h := newTestHarness(t)

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.sup.Shutdown)

	if err := h.sup.Start(context.Background()); err == nil {
		t.Error("second Start() did not fail")
	}
}
