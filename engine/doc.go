// Package engine wires all folio subsystems together: store, credit
// ledger, pricing calculator, retry policy, middleware chain, lifecycle
// hooks, and the job processor. It exposes the operations an
// application layer calls: create a book job, start it (estimate cost,
// place the provisional hold, submit the run), pause, resume, cancel,
// read status, and the ledger pass-throughs.
//
// This package exists to break the import cycle: the root folio package
// defines Entity and Config (imported by book, ledger, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
//
// Usage:
//
//	st := memory.New()
//	eng, err := engine.New(st, myGenerator,
//		engine.WithPricing(pricing.NewCalculator(table)),
//		engine.WithQualityGate(myGate),
//	)
//	if err != nil { ... }
//
//	j, _ := eng.CreateBook(ctx, "user-1", "My Book", book.WithUnitCount(12))
//	if err := eng.StartBook(ctx, j.ID); err != nil { ... }
//	final, _ := eng.Wait(ctx, j.ID)
package engine
