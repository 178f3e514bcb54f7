package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
	"github.com/xraph/folio/ledger"
	"github.com/xraph/folio/retry"
)

// Timestamps are stored as RFC3339Nano text so rows stay readable with
// the sqlite CLI.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // NULL column maps to nil time
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ── Job model ─────────────────────────────────────────────────────

type jobRow struct {
	ID          string
	UserID      string
	Title       string
	State       string
	NextIndex   int
	Error       string
	Provider    string
	Model       string
	StartIndex  int
	UnitCount   int
	TargetWords int
	Progress    string
	StartedAt   sql.NullString
	CompletedAt sql.NullString
	CreatedAt   string
	UpdatedAt   string
}

func toJobRow(j *book.Job) (*jobRow, error) {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: marshal progress: %w", err)
	}
	return &jobRow{
		ID:          j.ID.String(),
		UserID:      j.UserID,
		Title:       j.Title,
		State:       string(j.State),
		NextIndex:   j.NextIndex,
		Error:       j.Error,
		Provider:    j.Provider,
		Model:       j.Model,
		StartIndex:  j.StartIndex,
		UnitCount:   j.UnitCount,
		TargetWords: j.TargetWords,
		Progress:    string(progress),
		StartedAt:   fmtTimePtr(j.StartedAt),
		CompletedAt: fmtTimePtr(j.CompletedAt),
		CreatedAt:   fmtTime(j.CreatedAt),
		UpdatedAt:   fmtTime(j.UpdatedAt),
	}, nil
}

func fromJobRow(r *jobRow) (*book.Job, error) {
	parsedID, err := id.ParseJobID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse job id %q: %w", r.ID, err)
	}

	var progress book.Progress
	if r.Progress != "" {
		if err := json.Unmarshal([]byte(r.Progress), &progress); err != nil {
			return nil, fmt.Errorf("folio/sqlite: unmarshal progress: %w", err)
		}
	}

	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse updated_at: %w", err)
	}
	startedAt, err := parseTimePtr(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse started_at: %w", err)
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse completed_at: %w", err)
	}

	return &book.Job{
		Entity:      folio.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:          parsedID,
		UserID:      r.UserID,
		Title:       r.Title,
		State:       book.State(r.State),
		Progress:    progress,
		NextIndex:   r.NextIndex,
		Error:       r.Error,
		Provider:    r.Provider,
		Model:       r.Model,
		StartIndex:  r.StartIndex,
		UnitCount:   r.UnitCount,
		TargetWords: r.TargetWords,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}, nil
}

// ── Unit model ────────────────────────────────────────────────────

type unitRow struct {
	ID           string
	JobID        string
	Index        int
	State        string
	QualityScore sql.NullFloat64
	WordCount    int
	FailReason   string
	Attempts     string
	StartedAt    sql.NullString
	CompletedAt  sql.NullString
	CreatedAt    string
	UpdatedAt    string
}

func toUnitRow(u *book.ChapterUnit) (*unitRow, error) {
	attempts, err := json.Marshal(u.Attempts)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: marshal attempts: %w", err)
	}

	var score sql.NullFloat64
	if u.QualityScore != nil {
		score = sql.NullFloat64{Float64: *u.QualityScore, Valid: true}
	}

	return &unitRow{
		ID:           u.ID.String(),
		JobID:        u.JobID.String(),
		Index:        u.Index,
		State:        string(u.State),
		QualityScore: score,
		WordCount:    u.WordCount,
		FailReason:   u.FailReason,
		Attempts:     string(attempts),
		StartedAt:    fmtTimePtr(u.StartedAt),
		CompletedAt:  fmtTimePtr(u.CompletedAt),
		CreatedAt:    fmtTime(u.CreatedAt),
		UpdatedAt:    fmtTime(u.UpdatedAt),
	}, nil
}

func fromUnitRow(r *unitRow) (*book.ChapterUnit, error) {
	unitID, err := id.ParseUnitID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse unit id %q: %w", r.ID, err)
	}
	jobID, err := id.ParseJobID(r.JobID)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse job id %q: %w", r.JobID, err)
	}

	var attempts []retry.Attempt
	if r.Attempts != "" {
		if err := json.Unmarshal([]byte(r.Attempts), &attempts); err != nil {
			return nil, fmt.Errorf("folio/sqlite: unmarshal attempts: %w", err)
		}
	}

	var score *float64
	if r.QualityScore.Valid {
		v := r.QualityScore.Float64
		score = &v
	}

	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse updated_at: %w", err)
	}
	startedAt, err := parseTimePtr(r.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse started_at: %w", err)
	}
	completedAt, err := parseTimePtr(r.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse completed_at: %w", err)
	}

	return &book.ChapterUnit{
		Entity:       folio.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:           unitID,
		JobID:        jobID,
		Index:        r.Index,
		State:        book.UnitState(r.State),
		QualityScore: score,
		WordCount:    r.WordCount,
		FailReason:   r.FailReason,
		Attempts:     attempts,
		StartedAt:    startedAt,
		CompletedAt:  completedAt,
	}, nil
}

// ── Transaction model ─────────────────────────────────────────────

type txnRow struct {
	ID           string
	UserID       string
	Amount       int64
	Type         string
	Status       string
	Reason       string
	DedupKey     string
	BalanceAfter sql.NullInt64
	SettledAt    sql.NullString
	CreatedAt    string
	UpdatedAt    string
}

func toTxnRow(t *ledger.Transaction) *txnRow {
	var balanceAfter sql.NullInt64
	if t.BalanceAfter != nil {
		balanceAfter = sql.NullInt64{Int64: *t.BalanceAfter, Valid: true}
	}
	return &txnRow{
		ID:           t.ID.String(),
		UserID:       t.UserID,
		Amount:       t.Amount,
		Type:         string(t.Type),
		Status:       string(t.Status),
		Reason:       t.Reason,
		DedupKey:     t.DedupKey,
		BalanceAfter: balanceAfter,
		SettledAt:    fmtTimePtr(t.SettledAt),
		CreatedAt:    fmtTime(t.CreatedAt),
		UpdatedAt:    fmtTime(t.UpdatedAt),
	}
}

func fromTxnRow(r *txnRow) (*ledger.Transaction, error) {
	txnID, err := id.ParseTxnID(r.ID)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse txn id %q: %w", r.ID, err)
	}

	var balanceAfter *int64
	if r.BalanceAfter.Valid {
		v := r.BalanceAfter.Int64
		balanceAfter = &v
	}

	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse updated_at: %w", err)
	}
	settledAt, err := parseTimePtr(r.SettledAt)
	if err != nil {
		return nil, fmt.Errorf("folio/sqlite: parse settled_at: %w", err)
	}

	return &ledger.Transaction{
		Entity:       folio.Entity{CreatedAt: createdAt, UpdatedAt: updatedAt},
		ID:           txnID,
		UserID:       r.UserID,
		Amount:       r.Amount,
		Type:         ledger.Type(r.Type),
		Status:       ledger.Status(r.Status),
		Reason:       r.Reason,
		DedupKey:     r.DedupKey,
		BalanceAfter: balanceAfter,
		SettledAt:    settledAt,
	}, nil
}
