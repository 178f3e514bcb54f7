package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobStarted    = "job.started"
	ActionJobCompleted  = "job.completed"
	ActionJobFailed     = "job.failed"
	ActionJobCancelled  = "job.cancelled"
	ActionJobPaused     = "job.paused"
	ActionUnitStarted   = "unit.started"
	ActionUnitCompleted = "unit.completed"
	ActionUnitRetrying  = "unit.retrying"
	ActionUnitFailed    = "unit.failed"
	ActionHoldFinalized = "ledger.hold_finalized"
	ActionHoldVoided    = "ledger.hold_voided"
)

// Audit event categories group related actions.
const (
	CategoryJob    = "folio.job"
	CategoryUnit   = "folio.unit"
	CategoryLedger = "folio.ledger"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob  = "job"
	ResourceUnit = "chapter_unit"
	ResourceTxn  = "transaction"
)

// AllActions returns every action this hook can emit.
func AllActions() []string {
	return []string{
		ActionJobStarted,
		ActionJobCompleted,
		ActionJobFailed,
		ActionJobCancelled,
		ActionJobPaused,
		ActionUnitStarted,
		ActionUnitCompleted,
		ActionUnitRetrying,
		ActionUnitFailed,
		ActionHoldFinalized,
		ActionHoldVoided,
	}
}
