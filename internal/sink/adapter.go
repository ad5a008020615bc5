package sink

import (
	"context"
	"sync/atomic"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// Appender is the pluggable durable store contract.
//
// Append persists a batch and returns the adapter's high-water mark: the
// cumulative count of readings acknowledged by the store. Append must be
// atomic per batch where the store allows it — on error the whole batch
// is considered unwritten and will be retried.
type Appender interface {
	Append(ctx context.Context, readings []codec.Reading) (int64, error)
}

// NoopAppender discards batches. Used in tests and for deployments that
// only want live broadcast without durable storage.
type NoopAppender struct {
	hwm atomic.Int64
}

// Append counts the batch and drops it.
func (a *NoopAppender) Append(_ context.Context, readings []codec.Reading) (int64, error) {
	return a.hwm.Add(int64(len(readings))), nil
}

// HighWaterMark returns the cumulative accepted count.
func (a *NoopAppender) HighWaterMark() int64 {
	return a.hwm.Load()
}
