/*
Package metrics registers Flotilla's Prometheus metrics and exposes
them via an HTTP handler, plus a small health-check registry used by
the agent and scheduler daemons.

Metrics are grouped by component: fleet-wide gauges (instances,
services, revisions), scheduler counters and latency, doctor
quarantine/rollout counters, agent reconcile duration and failures,
messaging receive/discard counters, and publisher/KMS counters. All
are registered at package init via prometheus.MustRegister and scraped
through Handler().

RegisterComponent/UpdateComponent feed a small in-memory health
registry consulted by HealthHandler (/health), ReadyHandler (/ready,
gated on the storage/scheduler/agent components being healthy) and
LivenessHandler (/live, process-is-running only).

Timer is a thin stopwatch: NewTimer() then ObserveDuration(histogram)
or ObserveDurationVec(histogramVec, labels...) once the timed
operation completes.
*/
package metrics
