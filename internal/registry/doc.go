// Package registry maintains the authoritative device map: identity,
// credentials fingerprint, last-seen, and health score.
//
// # Design
//
// The registry is the single writer of Device records. Every other
// component (ingest, pipeline, API) consumes immutable DeviceView
// snapshots obtained from Resolve or Snapshot, so no caller can mutate
// registry state out from under it.
//
// Internally the map is sharded by device id hash to bound lock
// contention at ingest rates; the hot read path (a known device
// resolving) costs one shard read-lock plus an atomic pointer load.
//
// # Unknown devices
//
// The policy for unregistered device ids is configurable:
//
//   - reject: frames are refused (ErrUnknownDevice)
//   - auto_provision: a kind=unknown record is created on first sight
//   - quarantine: a record is created but flagged; downstream layers
//     degrade its readings to quality=suspect until an operator confirms
//     the device via the admin API
//
// # Health score
//
// HealthScore is a pure function of the recent quality window, the
// reporting gap relative to the device's declared cadence, and the last
// battery voltage. The supervisor re-scores all devices periodically so
// silence shows up as decay.
//
// # Persistence
//
// When wired with a Repository, provisioning and eviction write through
// immediately and FlushState persists last-seen/health on a timer, so a
// restart recovers the device map without replaying traffic.
package registry
