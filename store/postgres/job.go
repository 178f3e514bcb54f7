package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/retry"
)

const jobColumns = `id, user_id, title, state, next_index, error, provider, model,
	start_index, unit_count, target_words, progress, started_at, completed_at,
	created_at, updated_at`

const unitColumns = `id, job_id, unit_index, state, quality_score, word_count,
	fail_reason, attempts, started_at, completed_at, created_at, updated_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, j *book.Job) error {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return fmt.Errorf("folio/postgres: marshal progress: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO folio_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		j.ID.String(), j.UserID, j.Title, string(j.State), j.NextIndex, j.Error,
		j.Provider, j.Model, j.StartIndex, j.UnitCount, j.TargetWords, progress,
		j.StartedAt, j.CompletedAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return folio.ErrJobAlreadyExists
		}
		return fmt.Errorf("folio/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job and its units by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM folio_jobs WHERE id = $1`, jobID.String())

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, folio.ErrJobNotFound
		}
		return nil, fmt.Errorf("folio/postgres: get job: %w", err)
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
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return fmt.Errorf("folio/postgres: marshal progress: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE folio_jobs
		SET user_id = $2, title = $3, state = $4, next_index = $5, error = $6,
			provider = $7, model = $8, start_index = $9, unit_count = $10,
			target_words = $11, progress = $12, started_at = $13,
			completed_at = $14, updated_at = $15
		WHERE id = $1`,
		j.ID.String(), j.UserID, j.Title, string(j.State), j.NextIndex, j.Error,
		j.Provider, j.Model, j.StartIndex, j.UnitCount,
		j.TargetWords, progress, j.StartedAt, j.CompletedAt, j.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return folio.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job and its units.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM folio_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("folio/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return folio.ErrJobNotFound
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM folio_units WHERE job_id = $1`, jobID.String()); err != nil {
		return fmt.Errorf("folio/postgres: delete job units: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state book.State, opts book.ListOpts) ([]*book.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM folio_jobs WHERE ($1 = '' OR state = $1) AND ($2 = '' OR user_id = $2)
		ORDER BY created_at DESC`
	args := []any{string(state), opts.UserID}
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("folio/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*book.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("folio/postgres: list jobs scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpsertUnit inserts or updates one chapter unit, keyed by (job, index).
func (s *Store) UpsertUnit(ctx context.Context, u *book.ChapterUnit) error {
	attempts, err := json.Marshal(u.Attempts)
	if err != nil {
		return fmt.Errorf("folio/postgres: marshal attempts: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO folio_units (`+unitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (job_id, unit_index) DO UPDATE SET
			state = EXCLUDED.state,
			quality_score = EXCLUDED.quality_score,
			word_count = EXCLUDED.word_count,
			fail_reason = EXCLUDED.fail_reason,
			attempts = EXCLUDED.attempts,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		u.ID.String(), u.JobID.String(), u.Index, string(u.State), u.QualityScore,
		u.WordCount, u.FailReason, attempts, u.StartedAt, u.CompletedAt,
		u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("folio/postgres: upsert unit: %w", err)
	}
	return nil
}

// ListUnits returns a job's units in ascending index order.
func (s *Store) ListUnits(ctx context.Context, jobID id.JobID) ([]*book.ChapterUnit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+unitColumns+` FROM folio_units WHERE job_id = $1 ORDER BY unit_index ASC`,
		jobID.String())
	if err != nil {
		return nil, fmt.Errorf("folio/postgres: list units: %w", err)
	}
	defer rows.Close()

	var units []*book.ChapterUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("folio/postgres: list units scan: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// CountJobs returns the number of jobs in the given state.
func (s *Store) CountJobs(ctx context.Context, state book.State) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM folio_jobs WHERE ($1 = '' OR state = $1)`,
		string(state),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("folio/postgres: count jobs: %w", err)
	}
	return n, nil
}

// scanner covers both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*book.Job, error) {
	var (
		j        book.Job
		rawID    string
		state    string
		progress []byte
	)
	if err := sc.Scan(
		&rawID, &j.UserID, &j.Title, &state, &j.NextIndex, &j.Error, &j.Provider, &j.Model,
		&j.StartIndex, &j.UnitCount, &j.TargetWords, &progress, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}

	parsedID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", rawID, err)
	}
	j.ID = parsedID
	j.State = book.State(state)
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &j.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress: %w", err)
		}
	}
	return &j, nil
}

func scanUnit(sc scanner) (*book.ChapterUnit, error) {
	var (
		u        book.ChapterUnit
		rawID    string
		rawJobID string
		state    string
		attempts []byte
	)
	if err := sc.Scan(
		&rawID, &rawJobID, &u.Index, &state, &u.QualityScore, &u.WordCount,
		&u.FailReason, &attempts, &u.StartedAt, &u.CompletedAt, &u.CreatedAt, &u.UpdatedAt,
	); err != nil {
		return nil, err
	}

	unitID, err := id.ParseUnitID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse unit id %q: %w", rawID, err)
	}
	jobID, err := id.ParseJobID(rawJobID)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", rawJobID, err)
	}
	u.ID = unitID
	u.JobID = jobID
	u.State = book.UnitState(state)
	if len(attempts) > 0 {
		var a []retry.Attempt
		if err := json.Unmarshal(attempts, &a); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
		u.Attempts = a
	}
	return &u, nil
}
