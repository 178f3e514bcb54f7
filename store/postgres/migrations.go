package postgres

import (
	"context"
	"fmt"

	"github.com/xraph/folio"
)

// migrations are applied in order inside one transaction each.
var migrations = []struct {
	name  string
	stmts []string
}{
	{
		name: "001_create_jobs_and_units",
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
				progress     JSONB NOT NULL DEFAULT '{}',
				started_at   TIMESTAMPTZ,
				completed_at TIMESTAMPTZ,
				created_at   TIMESTAMPTZ NOT NULL,
				updated_at   TIMESTAMPTZ NOT NULL
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
				quality_score DOUBLE PRECISION,
				word_count    INTEGER NOT NULL DEFAULT 0,
				fail_reason   TEXT NOT NULL DEFAULT '',
				attempts      JSONB NOT NULL DEFAULT '[]',
				started_at    TIMESTAMPTZ,
				completed_at  TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL,
				updated_at    TIMESTAMPTZ NOT NULL,
				UNIQUE (job_id, unit_index)
			)`,
		},
	},
	{
		name: "002_create_ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS folio_balances (
				user_id    TEXT PRIMARY KEY,
				credits    BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS folio_transactions (
				id            TEXT PRIMARY KEY,
				user_id       TEXT NOT NULL,
				amount        BIGINT NOT NULL,
				type          TEXT NOT NULL,
				status        TEXT NOT NULL,
				reason        TEXT NOT NULL DEFAULT '',
				dedup_key     TEXT NOT NULL DEFAULT '',
				balance_after BIGINT,
				settled_at    TIMESTAMPTZ,
				created_at    TIMESTAMPTZ NOT NULL,
				updated_at    TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_folio_txns_user
				ON folio_transactions (user_id, created_at DESC)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_folio_txns_dedup
				ON folio_transactions (user_id, dedup_key)
				WHERE dedup_key != ''`,
		},
	},
}

// Migrate applies pending migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS folio_migrations (
			name       TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("folio/postgres: create migrations table: %w", err)
	}

	for _, m := range migrations {
		var n int
		err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM folio_migrations WHERE name = $1`, m.name,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("folio/postgres: check migration %s: %w", m.name, err)
		}
		if n > 0 {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("folio/postgres: begin migration: %w", err)
		}
		if err := func() error {
			for _, stmt := range m.stmts {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO folio_migrations (name) VALUES ($1)`, m.name)
			return err
		}(); err != nil {
			_ = tx.Rollback(ctx) //nolint:errcheck // best-effort rollback
			return fmt.Errorf("folio/postgres: %s: %w: %w", m.name, folio.ErrMigrationFailed, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("folio/postgres: commit migration %s: %w", m.name, err)
		}

		s.logger.Info("migration applied", "name", m.name)
	}
	return nil
}
