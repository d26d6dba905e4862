package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"platform-core/internal/models"
)

// ErrNotFound is returned when a row does not exist or is not in a state the
// operation accepts.
var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the pool is reachable, used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, available_at, result, error_text, claimed_at, created_at, updated_at`

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	MaxAttempts int
	AvailableAt time.Time
}

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	now := time.Now().UTC()
	payload := p.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, p.ID, p.Type, payload, models.StatusPending, p.MaxAttempts, p.AvailableAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:          p.ID,
		Type:        p.Type,
		Payload:     payload,
		Status:      models.StatusPending,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		AvailableAt: p.AvailableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ClaimNextJob transitions the oldest eligible pending job to running in a
// single conditional update. The skip-locked subselect plus the status guard is
// what keeps two concurrent claimers from receiving the same job; there is no
// separate read-then-write step to race on.
func (s *Store) ClaimNextJob(ctx context.Context) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, claimed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND available_at <= NOW()
			ORDER BY available_at, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusRunning, models.StatusPending)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// CompleteJob stores the result and transitions running -> completed.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, result = $3, error_text = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, result, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RequeueJob records a retryable failure: bumps attempts and schedules the
// next run. Guarded on running so a stale caller cannot resurrect a job.
func (s *Store) RequeueJob(ctx context.Context, id string, attempts int, availableAt time.Time, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, available_at = $4, error_text = $5, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.StatusPending, attempts, availableAt, errText, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob transitions running -> failed, keeping the last error verbatim.
func (s *Store) FailJob(ctx context.Context, id string, errText string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_text = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errText, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// JobCounts returns job totals grouped by status.
func (s *Store) JobCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ReclaimStaleJobs flips jobs that have been running longer than olderThan
// back to pending without consuming an attempt. Workers that crash mid-job
// leave rows behind in running; this is the only path that recovers them.
func (s *Store) ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $1, claimed_at = NULL, available_at = NOW(), updated_at = NOW()
		WHERE status = $2 AND claimed_at < NOW() - make_interval(secs => $3)
		RETURNING id
	`, models.StatusPending, models.StatusRunning, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payload, result []byte
	var errText pgtype.Text
	var claimedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &payload, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.AvailableAt, &result, &errText, &claimedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Payload = payload
	if result != nil {
		job.Result = result
	}
	job.ErrorText = textPtr(errText)
	if claimedAt.Valid {
		t := claimedAt.Time
		job.ClaimedAt = &t
	}
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
