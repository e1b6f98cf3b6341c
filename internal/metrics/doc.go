/*
Package metrics provides Prometheus-based metrics collection for the
gateway: request counts and latency, active-request gauge, token usage by
model/provider/credential, streaming first-token latency and throughput,
transform-path counters, provider failure counters, and request-log drops.

All metrics register through promauto under a configurable namespace and
are exposed by the metrics HTTP server via promhttp.
*/
package metrics
