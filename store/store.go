// Package store defines the composite persistence contract for folio.
// Each subsystem declares its own narrow store interface (book.Store,
// ledger.Store); a backend implements all of them behind this single
// Store so the engine wires one handle.
//
// Backends live in subpackages: memory (in-process, for tests and
// embedding), sqlite (single-node durable), postgres (shared durable),
// redis (balance-hot deployments).
package store

import (
	"context"

	"github.com/xraph/folio/book"
	"github.com/xraph/folio/ledger"
)

// Store is the full persistence surface a backend provides.
type Store interface {
	book.Store
	ledger.Store

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Migrate creates or upgrades the backend's schema. In-process
	// backends return nil.
	Migrate(ctx context.Context) error

	// Close releases the backend's resources. The store is unusable
	// afterwards; operations return folio.ErrStoreClosed.
	Close() error
}
