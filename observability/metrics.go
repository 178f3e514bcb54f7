package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/hook"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/xraph/folio/observability"

// Compile-time interface checks.
var (
	_ hook.Hook          = (*MetricsHook)(nil)
	_ hook.JobCompleted  = (*MetricsHook)(nil)
	_ hook.JobFailed     = (*MetricsHook)(nil)
	_ hook.JobCancelled  = (*MetricsHook)(nil)
	_ hook.JobPaused     = (*MetricsHook)(nil)
	_ hook.UnitCompleted = (*MetricsHook)(nil)
	_ hook.UnitRetrying  = (*MetricsHook)(nil)
	_ hook.UnitFailed    = (*MetricsHook)(nil)
	_ hook.HoldFinalized = (*MetricsHook)(nil)
	_ hook.HoldVoided    = (*MetricsHook)(nil)
)

// MetricsHook records system-wide lifecycle metrics via OpenTelemetry.
// Register it with the engine to track job outcomes, retry pressure,
// and settled credits.
type MetricsHook struct {
	jobsCompleted  metric.Int64Counter
	jobsFailed     metric.Int64Counter
	jobsCancelled  metric.Int64Counter
	jobsPaused     metric.Int64Counter
	jobDuration    metric.Float64Histogram
	unitsCompleted metric.Int64Counter
	unitsRetried   metric.Int64Counter
	unitsFailed    metric.Int64Counter
	wordsWritten   metric.Int64Counter
	creditsSettled metric.Int64Counter
	creditsVoided  metric.Int64Counter
}

// NewMetricsHook creates a MetricsHook using the global OTel
// MeterProvider. Without a configured provider the instruments are
// noops.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided
// meter. This variant allows injecting a specific MeterProvider for
// testing.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	h := &MetricsHook{}

	// On error the OTel API returns noop instruments, so the hook
	// degrades gracefully.
	h.jobsCompleted, _ = meter.Int64Counter("folio.job.completed",
		metric.WithDescription("Book jobs that reached completed"))
	h.jobsFailed, _ = meter.Int64Counter("folio.job.failed",
		metric.WithDescription("Book jobs that reached failed"))
	h.jobsCancelled, _ = meter.Int64Counter("folio.job.cancelled",
		metric.WithDescription("Book jobs that were cancelled"))
	h.jobsPaused, _ = meter.Int64Counter("folio.job.paused",
		metric.WithDescription("Pause events at unit boundaries"))
	h.jobDuration, _ = meter.Float64Histogram("folio.job.duration",
		metric.WithDescription("Completed job duration in seconds"),
		metric.WithUnit("s"))
	h.unitsCompleted, _ = meter.Int64Counter("folio.unit.completed",
		metric.WithDescription("Chapter units that completed"))
	h.unitsRetried, _ = meter.Int64Counter("folio.unit.retried",
		metric.WithDescription("Chapter unit retry events by failure kind"))
	h.unitsFailed, _ = meter.Int64Counter("folio.unit.failed",
		metric.WithDescription("Chapter units that failed terminally"))
	h.wordsWritten, _ = meter.Int64Counter("folio.words.written",
		metric.WithDescription("Words written by completed units"),
		metric.WithUnit("{word}"))
	h.creditsSettled, _ = meter.Int64Counter("folio.credits.settled",
		metric.WithDescription("Credits deducted by finalized holds"),
		metric.WithUnit("{credit}"))
	h.creditsVoided, _ = meter.Int64Counter("folio.credits.voided",
		metric.WithDescription("Credits released by voided holds"),
		metric.WithUnit("{credit}"))

	return h
}

// Name implements hook.Hook.
func (m *MetricsHook) Name() string { return "observability-metrics" }

// ── Job lifecycle ───────────────────────────────────

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsHook) OnJobCompleted(ctx context.Context, _ *book.Job, elapsed time.Duration) error {
	m.jobsCompleted.Add(ctx, 1)
	m.jobDuration.Record(ctx, elapsed.Seconds())
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsHook) OnJobFailed(ctx context.Context, _ *book.Job, _ error) error {
	m.jobsFailed.Add(ctx, 1)
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsHook) OnJobCancelled(ctx context.Context, _ *book.Job) error {
	m.jobsCancelled.Add(ctx, 1)
	return nil
}

// OnJobPaused implements hook.JobPaused.
func (m *MetricsHook) OnJobPaused(ctx context.Context, _ *book.Job) error {
	m.jobsPaused.Add(ctx, 1)
	return nil
}

// ── Unit lifecycle ──────────────────────────────────

// OnUnitCompleted implements hook.UnitCompleted.
func (m *MetricsHook) OnUnitCompleted(ctx context.Context, _ *book.Job, u *book.ChapterUnit, _ time.Duration) error {
	m.unitsCompleted.Add(ctx, 1)
	m.wordsWritten.Add(ctx, int64(u.WordCount))
	return nil
}

// OnUnitRetrying implements hook.UnitRetrying.
func (m *MetricsHook) OnUnitRetrying(ctx context.Context, _ *book.Job, _ *book.ChapterUnit, attempt retry.Attempt) error {
	m.unitsRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(attempt.Kind)),
	))
	return nil
}

// OnUnitFailed implements hook.UnitFailed.
func (m *MetricsHook) OnUnitFailed(ctx context.Context, _ *book.Job, _ *book.ChapterUnit, kind retry.FailureKind) error {
	m.unitsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
	))
	return nil
}

// ── Ledger settlement ───────────────────────────────

// OnHoldFinalized implements hook.HoldFinalized.
func (m *MetricsHook) OnHoldFinalized(ctx context.Context, txn *ledger.Transaction) error {
	m.creditsSettled.Add(ctx, txn.Amount)
	return nil
}

// OnHoldVoided implements hook.HoldVoided.
func (m *MetricsHook) OnHoldVoided(ctx context.Context, txn *ledger.Transaction) error {
	m.creditsVoided.Add(ctx, txn.Amount)
	return nil
}
