// Package metrics defines and registers the Prometheus metrics for Argus:
// scheduler pressure, check results and latency, hard state changes,
// notification fan-out, cluster connectivity, and snapshot timing. All
// metrics live on the default registry and are exposed through Handler.
// The Collector feeds engine events into them so instrumented packages do
// not depend on Prometheus directly.
package metrics
