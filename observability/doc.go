// Package observability provides an OpenTelemetry-based metrics hook
// for folio. The MetricsHook implements lifecycle hook interfaces to
// record system-wide counters for job completion, failure,
// cancellation, unit retries, and credit settlement.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
