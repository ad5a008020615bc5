package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
	"github.com/smartsensor/sensor-gateway/internal/metrics"
	"github.com/smartsensor/sensor-gateway/internal/pipeline"
	"github.com/smartsensor/sensor-gateway/internal/registry"
)

// Logger defines the logging interface used by the ingest package.
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

// Sources for admission accounting.
const (
	SourceMQTT = "mqtt"
	SourceHTTP = "http"
)

// Intake is the shared admission path behind both transports: decode,
// rate-limit, resolve the device, and offer the frame to the pipeline.
// MQTT and HTTP differ only in how they call it (blocking vs bounded)
// and in what they do with the outcome.
type Intake struct {
	decoder  *codec.Decoder
	registry *registry.Registry
	pipe     *pipeline.Pipeline
	limiter  *Limiter
	metrics  *metrics.Metrics
	logger   Logger
}

// NewIntake creates the shared admission path.
func NewIntake(decoder *codec.Decoder, reg *registry.Registry, pipe *pipeline.Pipeline, limiter *Limiter, m *metrics.Metrics) *Intake {
	return &Intake{
		decoder:  decoder,
		registry: reg,
		pipe:     pipe,
		limiter:  limiter,
		metrics:  m,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the intake.
func (in *Intake) SetLogger(logger Logger) {
	in.logger = logger
}

// Submit admits one raw frame.
//
// Parameters:
//   - ctx: bounds the pipeline wait when wait is true
//   - source: transport label (SourceMQTT or SourceHTTP)
//   - origin: transport origin for source-level rate limiting (client
//     IP for HTTP, session id for MQTT)
//   - fingerprint: credentials fingerprint for registry auth; empty
//     when the transport has already authenticated the whole session
//   - payload: one JSON frame
//   - ack: invoked after the durable sink accepts the frame, may be nil
//   - wait: block on shard backpressure instead of failing fast
//
// Returns:
//   - error: nil on acceptance; *codec.DecodeError for unparseable
//     frames; registry.ErrUnknownDevice / registry.ErrAuthFailed per
//     registry policy; ErrRateLimited; pipeline.ErrBusy when wait is
//     false and the shard queue is full
func (in *Intake) Submit(ctx context.Context, source, origin, fingerprint string, payload []byte, ack func(), wait bool) error {
	in.metrics.IngestFrames.WithLabelValues(source).Inc()

	env, readings, err := in.decoder.Decode(payload, time.Now().UTC())
	if err != nil {
		in.metrics.IngestRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}

	if !in.limiter.AllowSource(origin) || !in.limiter.AllowDevice(env.DeviceID) {
		in.metrics.IngestRejected.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: device %s", ErrRateLimited, env.DeviceID)
	}

	device, err := in.registry.Resolve(env.DeviceID, fingerprint)
	if err != nil {
		in.metrics.IngestRejected.WithLabelValues(rejectReason(err)).Inc()
		return err
	}

	item := pipeline.Item{
		Env:      env,
		Readings: readings,
		Device:   device,
		Ack:      ack,
	}
	if wait {
		err = in.pipe.OfferWait(ctx, item)
	} else {
		err = in.pipe.Offer(item)
	}
	if err != nil {
		in.metrics.IngestRejected.WithLabelValues("backpressure").Inc()
		return err
	}
	return nil
}

// rejectReason maps an admission error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrMissingDeviceID):
		return "missing_device_id"
	case errors.Is(err, codec.ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, codec.ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, codec.ErrMalformed):
		return "malformed"
	case errors.Is(err, registry.ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, registry.ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "other"
	}
}

// Permanent reports whether an admission error is a property of the
// frame itself rather than of gateway load. Permanent rejects are acked
// on the MQTT path so the broker does not redeliver a poison message.
func Permanent(err error) bool {
	var decodeErr *codec.DecodeError
	if errors.As(err, &decodeErr) {
		return true
	}
	return errors.Is(err, registry.ErrUnknownDevice) ||
		errors.Is(err, registry.ErrAuthFailed) ||
		errors.Is(err, ErrRateLimited)
}
