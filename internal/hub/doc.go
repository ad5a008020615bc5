// Package hub pushes accepted readings to WebSocket subscribers.
//
// # Protocol
//
// Clients connect to the stream endpoint with the smartsensor.v1
// subprotocol, send one subscribe frame naming a device filter (ids or
// "*") and an optional kind mask, receive a subscribed acknowledgment,
// and then stream reading frames. The server pings on a heartbeat
// interval and closes sockets that miss pongs.
//
// # Isolation
//
// Each subscriber owns a bounded outbox and a dedicated write pump.
// Broadcast enqueue never blocks: when an outbox is full the configured
// drop policy applies — slow_drop discards the oldest undelivered frame,
// disconnect closes the socket with a policy-violation reason. Either
// way, a stuck subscriber cannot stall the pipeline or other
// subscribers.
//
// Reading frames are encoded once per broadcast and the resulting blob
// is shared by reference across every matching outbox.
package hub
