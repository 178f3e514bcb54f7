package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/hook"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
)

// Compile-time interface checks.
var (
	_ hook.Hook          = (*Hook)(nil)
	_ hook.JobStarted    = (*Hook)(nil)
	_ hook.JobCompleted  = (*Hook)(nil)
	_ hook.JobFailed     = (*Hook)(nil)
	_ hook.JobCancelled  = (*Hook)(nil)
	_ hook.JobPaused     = (*Hook)(nil)
	_ hook.UnitStarted   = (*Hook)(nil)
	_ hook.UnitCompleted = (*Hook)(nil)
	_ hook.UnitRetrying  = (*Hook)(nil)
	_ hook.UnitFailed    = (*Hook)(nil)
	_ hook.HoldFinalized = (*Hook)(nil)
	_ hook.HoldVoided    = (*Hook)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// Event is the structured audit record emitted for each lifecycle
// event.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Hook bridges folio lifecycle events to an audit trail backend. Each
// lifecycle event is emitted as a structured audit event through the
// Recorder.
type Hook struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates a Hook that emits audit events through the provided
// Recorder.
func New(r Recorder, opts ...Option) *Hook {
	h := &Hook{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name implements hook.Hook.
func (h *Hook) Name() string { return "audit" }

// ── Job lifecycle ───────────────────────────────────

// OnJobStarted implements hook.JobStarted.
func (h *Hook) OnJobStarted(ctx context.Context, j *book.Job) error {
	return h.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"user_id", j.UserID,
		"title", j.Title,
		"unit_count", j.UnitCount,
	)
}

// OnJobCompleted implements hook.JobCompleted.
func (h *Hook) OnJobCompleted(ctx context.Context, j *book.Job, elapsed time.Duration) error {
	return h.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"user_id", j.UserID,
		"units_completed", j.Progress.UnitsCompleted,
		"words_written", j.Progress.WordsWritten,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements hook.JobFailed.
func (h *Hook) OnJobFailed(ctx context.Context, j *book.Job, jobErr error) error {
	return h.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.ID.String(), CategoryJob, jobErr,
		"user_id", j.UserID,
		"units_completed", j.Progress.UnitsCompleted,
		"units_failed", j.Progress.UnitsFailed,
	)
}

// OnJobCancelled implements hook.JobCancelled.
func (h *Hook) OnJobCancelled(ctx context.Context, j *book.Job) error {
	return h.record(ctx, ActionJobCancelled, SeverityWarning, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"user_id", j.UserID,
		"next_index", j.NextIndex,
	)
}

// OnJobPaused implements hook.JobPaused.
func (h *Hook) OnJobPaused(ctx context.Context, j *book.Job) error {
	return h.record(ctx, ActionJobPaused, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.ID.String(), CategoryJob, nil,
		"user_id", j.UserID,
		"next_index", j.NextIndex,
	)
}

// ── Unit lifecycle ──────────────────────────────────

// OnUnitStarted implements hook.UnitStarted.
func (h *Hook) OnUnitStarted(ctx context.Context, j *book.Job, u *book.ChapterUnit) error {
	return h.record(ctx, ActionUnitStarted, SeverityInfo, OutcomeSuccess,
		ResourceUnit, u.ID.String(), CategoryUnit, nil,
		"job_id", j.ID.String(),
		"unit_index", u.Index,
	)
}

// OnUnitCompleted implements hook.UnitCompleted.
func (h *Hook) OnUnitCompleted(ctx context.Context, j *book.Job, u *book.ChapterUnit, elapsed time.Duration) error {
	meta := []any{
		"job_id", j.ID.String(),
		"unit_index", u.Index,
		"word_count", u.WordCount,
		"elapsed_ms", elapsed.Milliseconds(),
	}
	if u.QualityScore != nil {
		meta = append(meta, "quality_score", *u.QualityScore)
	}
	return h.record(ctx, ActionUnitCompleted, SeverityInfo, OutcomeSuccess,
		ResourceUnit, u.ID.String(), CategoryUnit, nil, meta...)
}

// OnUnitRetrying implements hook.UnitRetrying.
func (h *Hook) OnUnitRetrying(ctx context.Context, j *book.Job, u *book.ChapterUnit, attempt retry.Attempt) error {
	return h.record(ctx, ActionUnitRetrying, SeverityWarning, OutcomeFailure,
		ResourceUnit, u.ID.String(), CategoryUnit, nil,
		"job_id", j.ID.String(),
		"unit_index", u.Index,
		"attempt", attempt.Number,
		"kind", string(attempt.Kind),
		"strategy", string(attempt.Strategy),
	)
}

// OnUnitFailed implements hook.UnitFailed.
func (h *Hook) OnUnitFailed(ctx context.Context, j *book.Job, u *book.ChapterUnit, kind retry.FailureKind) error {
	return h.record(ctx, ActionUnitFailed, SeverityCritical, OutcomeFailure,
		ResourceUnit, u.ID.String(), CategoryUnit, nil,
		"job_id", j.ID.String(),
		"unit_index", u.Index,
		"kind", string(kind),
		"fail_reason", u.FailReason,
	)
}

// ── Ledger settlement ───────────────────────────────

// OnHoldFinalized implements hook.HoldFinalized.
func (h *Hook) OnHoldFinalized(ctx context.Context, txn *ledger.Transaction) error {
	return h.record(ctx, ActionHoldFinalized, SeverityInfo, OutcomeSuccess,
		ResourceTxn, txn.ID.String(), CategoryLedger, nil,
		"user_id", txn.UserID,
		"amount", txn.Amount,
	)
}

// OnHoldVoided implements hook.HoldVoided.
func (h *Hook) OnHoldVoided(ctx context.Context, txn *ledger.Transaction) error {
	return h.record(ctx, ActionHoldVoided, SeverityInfo, OutcomeSuccess,
		ResourceTxn, txn.ID.String(), CategoryLedger, nil,
		"user_id", txn.UserID,
		"amount", txn.Amount,
		"reason", txn.Reason,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled. The
// kvPairs argument is a list of key-value pairs added to Metadata.
func (h *Hook) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if h.enabled != nil && !h.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &Event{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := h.recorder.Record(ctx, evt); recErr != nil {
		h.logger.Warn("audit: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
