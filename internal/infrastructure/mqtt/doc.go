// Package mqtt wraps paho.mqtt.golang for the gateway's telemetry
// intake.
//
// Devices publish frames to <root>/devices/<device_id>/data; the
// gateway subscribes with a single-level wildcard and processes every
// device through one session. Delivery is at-least-once: auto-ack is
// disabled and each message carries an ack callback that the consumer
// invokes only after the frame has been accepted into the durable
// pipeline, so a crash between receipt and acceptance causes broker
// redelivery rather than loss.
//
// The client reconnects automatically with exponential backoff across
// the configured broker list, restores subscriptions after reconnect,
// and maintains a retained status topic with a Last Will for crash
// detection.
package mqtt
