package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/folio"
)

// migration is one ordered schema change. Versions are timestamps and
// apply strictly ascending.
type migration struct {
	version string
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: "20250301120000",
		name:    "create_jobs_and_units",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS folio_jobs (
				id           TEXT PRIMARY KEY,
				user_id      TEXT NOT NULL,
				title        TEXT NOT NULL DEFAULT '',
				state        TEXT NOT NULL DEFAULT 'not_started',
				next_index   INTEGER NOT NULL DEFAULT 1,
				error        TEXT NOT NULL DEFAULT '',
				provider     TEXT NOT NULL DEFAULT '',
				model        TEXT NOT NULL DEFAULT '',
				start_index  INTEGER NOT NULL DEFAULT 1,
				unit_count   INTEGER NOT NULL DEFAULT 0,
				target_words INTEGER NOT NULL DEFAULT 0,
				progress     TEXT NOT NULL DEFAULT '{}',
				started_at   TEXT,
				completed_at TEXT,
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_folio_jobs_state
				ON folio_jobs (state)`,
			`CREATE INDEX IF NOT EXISTS idx_folio_jobs_user
				ON folio_jobs (user_id)`,
			`CREATE TABLE IF NOT EXISTS folio_units (
				id            TEXT PRIMARY KEY,
				job_id        TEXT NOT NULL,
				unit_index    INTEGER NOT NULL,
				state         TEXT NOT NULL DEFAULT 'pending',
				quality_score REAL,
				word_count    INTEGER NOT NULL DEFAULT 0,
				fail_reason   TEXT NOT NULL DEFAULT '',
				attempts      TEXT NOT NULL DEFAULT '[]',
				started_at    TEXT,
				completed_at  TEXT,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL,
				UNIQUE (job_id, unit_index)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_folio_units_job
				ON folio_units (job_id, unit_index)`,
		},
	},
	{
		version: "20250301120001",
		name:    "create_ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS folio_balances (
				user_id    TEXT PRIMARY KEY,
				credits    INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS folio_transactions (
				id            TEXT PRIMARY KEY,
				user_id       TEXT NOT NULL,
				amount        INTEGER NOT NULL,
				type          TEXT NOT NULL,
				status        TEXT NOT NULL,
				reason        TEXT NOT NULL DEFAULT '',
				dedup_key     TEXT NOT NULL DEFAULT '',
				balance_after INTEGER,
				settled_at    TEXT,
				created_at    TEXT NOT NULL,
				updated_at    TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_folio_txns_user
				ON folio_transactions (user_id, created_at DESC)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_folio_txns_dedup
				ON folio_transactions (user_id, dedup_key)
				WHERE dedup_key != ''`,
		},
	},
}

// Migrate applies pending migrations in version order. Each migration
// runs in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS folio_schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("folio/sqlite: create migrations table: %w", err)
	}

	for _, m := range migrations {
		applied, err := s.migrationApplied(ctx, m.version)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("folio/sqlite: %s: %w: %w", m.name, folio.ErrMigrationFailed, err)
		}
		s.logger.Info("migration applied",
			"version", m.version,
			"name", m.name,
		)
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, version string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folio_schema_migrations WHERE version = ?`, version,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("folio/sqlite: check migration %s: %w", version, err)
	}
	return n > 0, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO folio_schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	return tx.Commit()
}
