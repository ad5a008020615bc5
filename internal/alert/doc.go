// Package alert evaluates declarative rules against accepted readings
// and dispatches the resulting alerts.
//
// Rules come from a YAML file and support four predicates:
// threshold_above, threshold_below, rate_of_change, and missing_data.
// Evaluation state is kept per (device, rule) pair; a pair has at most
// one firing alert at a time, and an alert resolves only after its
// predicate has been false continuously for the rule's hold-down.
//
// missing_data rules run on timers: each observed frame rearms a tick
// at the rule's silence window, and a tick that fires before the next
// frame opens the alert.
//
// Delivery is at-least-once: the engine hands transitions to a
// dispatcher that retries the configured sink with exponential backoff
// and counts abandoned notifications as dead-lettered. The gateway
// reports its own conditions through the same path, keyed under the
// gateway source.
package alert
