package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/folio/book"
)

// tracerName is the instrumentation scope name for folio traces.
const tracerName = "github.com/xraph/folio"

// Tracing returns middleware that wraps each unit attempt in an OTel
// span using the global TracerProvider. With no provider configured the
// noop tracer makes this a pass-through.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided
// tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, u *book.ChapterUnit, next Handler) error {
		ctx, span := tracer.Start(ctx, "folio.unit.attempt",
			trace.WithAttributes(
				attribute.String("job_id", u.JobID.String()),
				attribute.Int("unit_index", u.Index),
			),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
