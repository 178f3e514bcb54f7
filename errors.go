package folio

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("folio: no store configured")
	ErrNoGenerator     = errors.New("folio: no generator configured")
	ErrStoreClosed     = errors.New("folio: store closed")
	ErrMigrationFailed = errors.New("folio: migration failed")

	// Not found errors.
	ErrJobNotFound         = errors.New("folio: job not found")
	ErrUnitNotFound        = errors.New("folio: chapter unit not found")
	ErrTransactionNotFound = errors.New("folio: transaction not found")

	// Conflict errors.
	ErrJobAlreadyExists  = errors.New("folio: job already exists")
	ErrJobAlreadyStarted = errors.New("folio: job already started")

	// State errors.
	ErrInvalidState       = errors.New("folio: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("folio: max retries exceeded")
)
