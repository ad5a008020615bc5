// Package codec parses inbound device frames and renders outbound
// subscriber frames for the sensor gateway.
//
// This package is the single place where payload validation lives. The
// range table (Ranges) is the canonical artifact other layers consume —
// firmware and dashboards must not reimplement it.
//
// # Decode contract
//
//   - Malformed input never panics; failures return *DecodeError with the
//     byte offset when known.
//   - Frames without device_id, or with a timestamp more than the clock
//     skew window from server time, are rejected.
//   - Unknown sensor kinds are preserved as quality=suspect readings.
//   - Out-of-range values are graded quality=invalid with the original
//     value retained for audit.
//
// # Usage
//
//	dec := codec.NewDecoder()
//	env, readings, err := dec.Decode(payload, time.Now().UTC())
package codec
