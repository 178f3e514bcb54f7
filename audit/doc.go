// Package audit bridges folio lifecycle events to an audit trail
// backend. Register the hook with the engine and every job, unit, and
// ledger settlement event is emitted as a structured audit event
// through the injected Recorder.
//
// The Recorder interface is defined locally so this package does not
// depend on any particular audit backend. Callers provide a
// RecorderFunc adapter at wiring time.
//
// Usage:
//
//	eng, err := engine.New(st, gen,
//	    engine.WithHook(audit.New(myRecorder,
//	        audit.WithActions(audit.ActionJobFailed, audit.ActionHoldFinalized),
//	    )),
//	)
package audit
