package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"platform-core/internal/models"
	"platform-core/internal/store"
)

// ErrNotFound mirrors the store sentinel so callers need only this package.
var ErrNotFound = store.ErrNotFound

// ValidationError marks malformed enqueue input. Never retried.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "queue: " + e.Reason
}

// JobStore is the durable persistence the queue orchestrates. Implemented by
// *store.Store; tests substitute an in-memory fake.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	ClaimNextJob(ctx context.Context) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RequeueJob(ctx context.Context, id string, attempts int, availableAt time.Time, errText string) error
	FailJob(ctx context.Context, id string, errText string) error
	JobCounts(ctx context.Context) (map[string]int64, error)
	ReclaimStaleJobs(ctx context.Context, olderThan time.Duration) ([]string, error)
}

// Options tune retry backoff.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Queue drives the job retry state machine on top of a JobStore. All claim
// correctness lives in the store's conditional update; the queue itself holds
// no coordination state.
type Queue struct {
	store          JobStore
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
}

func New(st JobStore, opts Options) *Queue {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		store:          st,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// EnqueueParams collects enqueue inputs. Payload may be any JSON-marshalable
// value or a pre-encoded json.RawMessage.
type EnqueueParams struct {
	Type        string
	Payload     any
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue creates a pending job, eligible for claim after the optional delay.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	if p.Type == "" {
		return models.Job{}, ValidationError{Reason: "job type is required"}
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	if p.MaxAttempts < 1 {
		return models.Job{}, ValidationError{Reason: "max attempts must be at least 1"}
	}
	if p.Delay < 0 {
		p.Delay = 0
	}

	payload, err := encodePayload(p.Payload)
	if err != nil {
		return models.Job{}, ValidationError{Reason: fmt.Sprintf("payload not serializable: %v", err)}
	}

	return q.store.CreateJob(ctx, store.CreateJobParams{
		ID:          uuid.NewString(),
		Type:        p.Type,
		Payload:     payload,
		MaxAttempts: p.MaxAttempts,
		AvailableAt: q.now().Add(p.Delay),
	})
}

// ClaimNext atomically claims the oldest eligible pending job. It never
// blocks: ok=false means nothing is eligible and the caller owns its own poll
// interval.
func (q *Queue) ClaimNext(ctx context.Context) (models.Job, bool, error) {
	return q.store.ClaimNextJob(ctx)
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	return q.store.GetJob(ctx, id)
}

// MarkCompleted stores the result and finishes a running job.
func (q *Queue) MarkCompleted(ctx context.Context, id string, result json.RawMessage) error {
	return q.store.CompleteJob(ctx, id, result)
}

// MarkFailed records a failure. When retry is set and attempts remain, the
// job goes back to pending with an exponentially growing delay; otherwise it
// becomes terminally failed with the error stored verbatim. Calling it again
// on an already-failed job is a no-op so the terminal state stays sticky.
func (q *Queue) MarkFailed(ctx context.Context, id string, errText string, retry bool) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == models.StatusFailed {
		return nil
	}
	if job.Status != models.StatusRunning {
		return ErrNotFound
	}
	if retry && job.Attempts < job.MaxAttempts {
		attempts := job.Attempts + 1
		return q.store.RequeueJob(ctx, id, attempts, q.now().Add(q.Backoff(attempts)), errText)
	}
	return q.store.FailJob(ctx, id, errText)
}

// Backoff returns the retry delay before the given attempt: initial doubled
// per attempt, capped at the configured maximum.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.backoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.backoffMax {
			return q.backoffMax
		}
	}
	if d > q.backoffMax {
		return q.backoffMax
	}
	return d
}

// Stats summarizes job counts by status.
type Stats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.JobCounts(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Pending:   counts[models.StatusPending],
		Running:   counts[models.StatusRunning],
		Completed: counts[models.StatusCompleted],
		Failed:    counts[models.StatusFailed],
	}
	s.Total = s.Pending + s.Running + s.Completed + s.Failed
	return s, nil
}

// ReclaimStale requeues jobs stuck in running longer than olderThan. Attempts
// are not consumed: a crashed worker is not the job's fault.
func (q *Queue) ReclaimStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return q.store.ReclaimStaleJobs(ctx, olderThan)
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return p, nil
	default:
		return json.Marshal(v)
	}
}
