// Package metrics defines the gateway's Prometheus collectors.
//
// All collectors are registered on a per-instance registry rather than
// the package-global default, so tests and embedded deployments can run
// multiple gateways in one process. The /metrics endpoint serves the
// registry via Handler().
package metrics
