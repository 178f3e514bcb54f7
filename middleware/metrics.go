package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/folio/book"
)

// meterName is the instrumentation scope name for folio metrics.
const meterName = "github.com/xraph/folio"

// Metrics returns middleware that records one measurement per chapter
// unit attempt, retries included, using the global OTel MeterProvider.
// If no MeterProvider is configured, noop instruments are used and this
// middleware becomes a pass-through.
//
// Instruments:
//   - folio.unit.duration (Float64Histogram): wall time of one attempt
//     in seconds. A retried unit contributes one sample per attempt.
//   - folio.unit.attempts (Int64Counter): attempts made, so the ratio
//     to completed units is the retry pressure.
//
// Both carry job_id, unit_index and status ("ok" or "error")
// attributes; status reflects the attempt, not the unit's final state.
func Metrics() Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Create instruments once at middleware construction time.
	// OTel instruments are safe for concurrent use. On error, the API
	// returns noop instruments so the middleware degrades gracefully.
	duration, dErr := meter.Float64Histogram(
		"folio.unit.duration",
		metric.WithDescription("Wall time of one chapter unit attempt"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	attempts, aErr := meter.Int64Counter(
		"folio.unit.attempts",
		metric.WithDescription("Chapter unit attempts, retries included"),
		metric.WithUnit("{attempt}"),
	)
	_ = aErr // noop fallback guaranteed by OTel API contract

	return func(ctx context.Context, u *book.ChapterUnit, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}

		attrs := metric.WithAttributes(
			attribute.String("job_id", u.JobID.String()),
			attribute.Int("unit_index", u.Index),
			attribute.String("status", status),
		)

		duration.Record(ctx, elapsed, attrs)
		attempts.Add(ctx, 1, attrs)

		return err
	}
}
