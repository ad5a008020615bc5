// Package ingest is the gateway's admission front-end.
//
// Both transports converge on one Intake: decode the frame, apply
// per-device and per-source token buckets, resolve the device against
// the registry, and offer the result to the pipeline. The MQTT consumer
// blocks on backpressure and defers broker acknowledgment until the
// durable sink accepts the readings; the HTTP handler fails fast with
// 503 instead.
package ingest
