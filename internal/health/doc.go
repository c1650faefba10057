// Package health aggregates dependency probes into a health report and
// provides the liveness and readiness plumbing around it.
//
// [Aggregator] runs every registered [probe.Probe] (concurrently by default)
// and folds the results into a [Report] whose Healthy field is the AND of
// all services. An optional TTL cache lets concurrent callers share one
// in-flight check.
//
// Liveness and readiness probes compose with [All], [Any] and [Fixed].
// [ShutdownGate] fails readiness during drain so load balancers stop sending
// traffic before the listeners close.
package health
