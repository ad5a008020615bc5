package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// InfluxAppender persists reading batches to InfluxDB v2.
//
// It uses the blocking write API deliberately: the write-ahead buffer
// already batches and retries, so Append must report real store errors
// rather than queue them asynchronously.
type InfluxAppender struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	hwm      atomic.Int64
}

// InfluxOptions configures an InfluxAppender.
type InfluxOptions struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxAppender creates an InfluxDB-backed appender and verifies
// connectivity with a ping.
func NewInfluxAppender(ctx context.Context, opts InfluxOptions) (*InfluxAppender, error) {
	client := influxdb2.NewClient(opts.URL, opts.Token)

	ok, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging influxdb at %s: %w", opts.URL, err)
	}
	if !ok {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s did not respond to ping", opts.URL)
	}

	return &InfluxAppender{
		client:   client,
		writeAPI: client.WriteAPIBlocking(opts.Org, opts.Bucket),
	}, nil
}

// Append writes the batch as line-protocol points, one per reading.
func (a *InfluxAppender) Append(ctx context.Context, readings []codec.Reading) (int64, error) {
	if len(readings) == 0 {
		return a.hwm.Load(), nil
	}

	points := make([]*write.Point, 0, len(readings))
	for i := range readings {
		r := &readings[i]

		tags := map[string]string{
			"device_id": r.DeviceID,
			"kind":      string(r.Kind),
			"quality":   string(r.Quality),
		}
		if r.Position != codec.PositionNone {
			tags["position"] = string(r.Position)
		}
		if r.Name != "" {
			tags["name"] = r.Name
		}

		fields := map[string]interface{}{
			"value": r.Value,
		}
		if r.Unit != "" {
			fields["unit"] = r.Unit
		}

		points = append(points, write.NewPoint("readings", tags, fields, r.DeviceTimestamp))
	}

	if err := a.writeAPI.WritePoint(ctx, points...); err != nil {
		return a.hwm.Load(), fmt.Errorf("writing readings to influxdb: %w", err)
	}
	return a.hwm.Add(int64(len(readings))), nil
}

// Close releases the underlying client.
func (a *InfluxAppender) Close() {
	a.client.Close()
}
