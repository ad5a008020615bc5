package sink

import (
	"context"
	"sync/atomic"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// MultiAppender fans one batch out to several stores.
//
// A batch counts as accepted only when every store accepted it; the first
// error aborts, and the whole batch is retried against all stores. Stores
// must therefore tolerate duplicate batches (both built-in adapters do:
// SQLite rows are append-only audit data and InfluxDB points are
// idempotent by series + timestamp).
type MultiAppender struct {
	appenders []Appender
	hwm       atomic.Int64
}

// NewMultiAppender composes appenders. At least one is required.
func NewMultiAppender(appenders ...Appender) *MultiAppender {
	return &MultiAppender{appenders: appenders}
}

// Append writes the batch to every store in order.
func (a *MultiAppender) Append(ctx context.Context, readings []codec.Reading) (int64, error) {
	for _, ap := range a.appenders {
		if _, err := ap.Append(ctx, readings); err != nil {
			return a.hwm.Load(), err
		}
	}
	return a.hwm.Add(int64(len(readings))), nil
}
