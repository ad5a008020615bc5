// Package pipeline dispatches decoded frames through sharded
// single-writer lanes.
//
// # Ordering
//
// A hash of device_id selects one of S shards (power of two). Each shard
// owns a FIFO and one worker goroutine that drains it in arrival order,
// so every device gets strict FIFO processing across durable write,
// broadcast, and alert evaluation without per-device locks. There is no
// ordering guarantee across devices.
//
// # Backpressure
//
// The worker offers each frame's readings to the write-ahead buffer
// before anything else and parks while the buffer is full — the gateway
// blocks ingest rather than drop readings. HTTP ingest uses Offer
// (non-blocking, ErrBusy maps to 503); MQTT ingest uses OfferWait so
// broker acknowledgments stall while a lane is contested.
//
// Broadcast and alert fan-out are required to be non-blocking; a stuck
// subscriber degrades only its own outbox, never a lane.
package pipeline
