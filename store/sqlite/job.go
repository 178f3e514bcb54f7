package sqlite

import (
	"context"
	"fmt"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
)

const jobColumns = `id, user_id, title, state, next_index, error, provider, model,
	start_index, unit_count, target_words, progress, started_at, completed_at,
	created_at, updated_at`

const unitColumns = `id, job_id, unit_index, state, quality_score, word_count,
	fail_reason, attempts, started_at, completed_at, created_at, updated_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *book.Job) error {
	r, err := toJobRow(j)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folio_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Title, r.State, r.NextIndex, r.Error, r.Provider, r.Model,
		r.StartIndex, r.UnitCount, r.TargetWords, r.Progress, r.StartedAt, r.CompletedAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return folio.ErrJobAlreadyExists
		}
		return fmt.Errorf("folio/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job and its units by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM folio_jobs WHERE id = ?`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrJobNotFound
		}
		return nil, fmt.Errorf("folio/sqlite: get job: %w", err)
	}

	units, err := s.ListUnits(ctx, jobID)
	if err != nil {
		return nil, err
	}
	j.Units = units
	return j, nil
}

// UpdateJob persists changes to an existing job (not its units).
func (s *Store) UpdateJob(ctx context.Context, j *book.Job) error {
	r, err := toJobRow(j)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE folio_jobs
		SET user_id = ?, title = ?, state = ?, next_index = ?, error = ?,
			provider = ?, model = ?, start_index = ?, unit_count = ?,
			target_words = ?, progress = ?, started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		r.UserID, r.Title, r.State, r.NextIndex, r.Error,
		r.Provider, r.Model, r.StartIndex, r.UnitCount,
		r.TargetWords, r.Progress, r.StartedAt, r.CompletedAt,
		r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("folio/sqlite: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return folio.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job and its units.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM folio_jobs WHERE id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("folio/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return folio.ErrJobNotFound
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM folio_units WHERE job_id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("folio/sqlite: delete job units: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state book.State, opts book.ListOpts) ([]*book.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM folio_jobs WHERE 1=1`
	var args []any
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	if opts.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, opts.UserID)
	}
	query += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: list jobs: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var jobs []*book.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("folio/sqlite: list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpsertUnit inserts or updates one chapter unit, keyed by (job, index).
func (s *Store) UpsertUnit(ctx context.Context, u *book.ChapterUnit) error {
	r, err := toUnitRow(u)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO folio_units (`+unitColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id, unit_index) DO UPDATE SET
			state = excluded.state,
			quality_score = excluded.quality_score,
			word_count = excluded.word_count,
			fail_reason = excluded.fail_reason,
			attempts = excluded.attempts,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		r.ID, r.JobID, r.Index, r.State, r.QualityScore, r.WordCount,
		r.FailReason, r.Attempts, r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/sqlite: upsert unit: %w", err)
	}
	return nil
}

// ListUnits returns a job's units in ascending index order.
func (s *Store) ListUnits(ctx context.Context, jobID id.JobID) ([]*book.ChapterUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM folio_units WHERE job_id = ? ORDER BY unit_index ASC`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: list units: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var units []*book.ChapterUnit
	for rows.Next() {
		var r unitRow
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.Index, &r.State, &r.QualityScore, &r.WordCount,
			&r.FailReason, &r.Attempts, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("folio/sqlite: list units scan: %w", err)
		}
		u, err := fromUnitRow(&r)
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// CountJobs returns the number of jobs in the given state.
func (s *Store) CountJobs(ctx context.Context, state book.State) (int64, error) {
	query := `SELECT COUNT(*) FROM folio_jobs`
	var args []any
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("folio/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*book.Job, error) {
	var r jobRow
	if err := sc.Scan(
		&r.ID, &r.UserID, &r.Title, &r.State, &r.NextIndex, &r.Error, &r.Provider, &r.Model,
		&r.StartIndex, &r.UnitCount, &r.TargetWords, &r.Progress, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return fromJobRow(&r)
}
