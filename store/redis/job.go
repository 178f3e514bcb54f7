package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/folio"
	"github.com/xraph/folio/book"
	"github.com/xraph/folio/id"
)

// CreateJob stores the job as a Hash and registers its ID.
func (s *Store) CreateJob(ctx context.Context, j *book.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("folio/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return folio.ErrJobAlreadyExists
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("folio/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job and its units by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*book.Job, error) {
	j, err := s.getJobByKey(ctx, jobKey(jobID.String()))
	if err != nil {
		return nil, err
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
	key := jobKey(j.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("folio/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return folio.ErrJobNotFound
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}
	if _, err := s.client.HSet(ctx, key, fields).Result(); err != nil {
		return fmt.Errorf("folio/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job and its units.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("folio/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return folio.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jID))
	pipe.Del(ctx, unitsKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("folio/redis: delete job: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs in the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state book.State, opts book.ListOpts) ([]*book.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*book.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if state != "" && j.State != state {
			continue
		}
		if opts.UserID != "" && j.UserID != opts.UserID {
			continue
		}
		jobs = append(jobs, j)
	}

	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})

	// Apply offset/limit.
	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// UpsertUnit stores one chapter unit in the job's unit Hash, keyed by
// index so re-upserting the same index replaces in place.
func (s *Store) UpsertUnit(ctx context.Context, u *book.ChapterUnit) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("folio/redis: marshal unit: %w", err)
	}
	field := strconv.Itoa(u.Index)
	if err := s.client.HSet(ctx, unitsKey(u.JobID.String()), field, raw).Err(); err != nil {
		return fmt.Errorf("folio/redis: upsert unit: %w", err)
	}
	return nil
}

// ListUnits returns a job's units in ascending index order.
func (s *Store) ListUnits(ctx context.Context, jobID id.JobID) ([]*book.ChapterUnit, error) {
	vals, err := s.client.HGetAll(ctx, unitsKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: list units: %w", err)
	}

	units := make([]*book.ChapterUnit, 0, len(vals))
	for _, raw := range vals {
		var u book.ChapterUnit
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return nil, fmt.Errorf("folio/redis: unmarshal unit: %w", err)
		}
		units = append(units, &u)
	}
	sort.Slice(units, func(a, b int) bool { return units[a].Index < units[b].Index })
	return units, nil
}

// CountJobs returns the number of jobs in the given state.
func (s *Store) CountJobs(ctx context.Context, state book.State) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("folio/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if state != "" && j.State != state {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func jobToMap(j *book.Job) (map[string]interface{}, error) {
	progress, err := json.Marshal(j.Progress)
	if err != nil {
		return nil, fmt.Errorf("folio/redis: marshal progress: %w", err)
	}

	m := map[string]interface{}{
		"id":           j.ID.String(),
		"user_id":      j.UserID,
		"title":        j.Title,
		"state":        string(j.State),
		"next_index":   strconv.Itoa(j.NextIndex),
		"error":        j.Error,
		"provider":     j.Provider,
		"model":        j.Model,
		"start_index":  strconv.Itoa(j.StartIndex),
		"unit_count":   strconv.Itoa(j.UnitCount),
		"target_words": strconv.Itoa(j.TargetWords),
		"progress":     string(progress),
		"created_at":   j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*book.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("folio/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, folio.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*book.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("folio/redis: parse job id: %w", err)
	}

	nextIndex, _ := strconv.Atoi(m["next_index"])     //nolint:errcheck // best-effort parse from trusted Redis data
	startIndex, _ := strconv.Atoi(m["start_index"])   //nolint:errcheck // best-effort parse from trusted Redis data
	unitCount, _ := strconv.Atoi(m["unit_count"])     //nolint:errcheck // best-effort parse from trusted Redis data
	targetWords, _ := strconv.Atoi(m["target_words"]) //nolint:errcheck // best-effort parse from trusted Redis data

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &book.Job{
		Entity: folio.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          jID,
		UserID:      m["user_id"],
		Title:       m["title"],
		State:       book.State(m["state"]),
		NextIndex:   nextIndex,
		Error:       m["error"],
		Provider:    m["provider"],
		Model:       m["model"],
		StartIndex:  startIndex,
		UnitCount:   unitCount,
		TargetWords: targetWords,
	}

	if raw := m["progress"]; raw != "" {
		_ = json.Unmarshal([]byte(raw), &j.Progress) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}

	return j, nil
}

// isNil reports whether err is the go-redis missing-key sentinel.
func isNil(err error) bool { return errors.Is(err, goredis.Nil) }
