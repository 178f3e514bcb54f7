// Package folio provides a composable orchestration engine for long,
// multi-step AI content-generation jobs. A book is generated as a strictly
// sequential series of chapter units, each subject to automated quality
// evaluation and bounded, failure-classified retry, while a transactional
// credit ledger charges users only for work actually performed.
//
// Folio is designed as a library, not a service. Import it, configure a
// store and the external collaborators (generator, quality gate, continuity
// store), and submit book jobs.
//
// # Quick Start
//
//	eng, err := engine.New(memory.New(), gen,
//	    engine.WithQualityGate(gate),
//	    engine.WithPricing(calc),
//	)
//
// # Architecture
//
// Folio follows a composable store pattern where each subsystem (book,
// ledger) defines its own store interface. A single backend implements all
// of them. The orchestrator owns one job's state machine and runs its
// chapter units in ascending order; the processor schedules many
// orchestrator runs concurrently and settles each job's provisional credit
// hold on its terminal outcome.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package folio
