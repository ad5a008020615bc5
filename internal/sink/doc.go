// Package sink is the durable write path between the pipeline and
// external storage.
//
// # Shape
//
// The pipeline sees one contract: Buffer.Write, which accepts a batch
// into the in-memory write-ahead buffer (WAB) or returns ErrWABFull.
// A dedicated flusher goroutine batches WAB entries by size or age and
// issues them to a pluggable Appender, retrying failures with exponential
// backoff forever. Store outages therefore never surface to ingest as
// per-frame errors — only as backpressure once the WAB fills.
//
// # Adapters
//
// Built-in Appenders:
//
//   - SQLiteAppender: transactional batch inserts into the readings table
//   - InfluxAppender: line-protocol points via the blocking write API
//   - MultiAppender: fan-out to several stores (all must accept)
//   - NoopAppender: discards, for tests and broadcast-only deployments
//
// # Durability
//
// The WAB is memory only, not a write-ahead log. The durability floor is
// the last acknowledged batch; Drain bounds shutdown loss by a deadline
// and counts whatever could not be flushed.
package sink
