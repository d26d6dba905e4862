package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"platform-core/internal/models"
	"platform-core/internal/queue"
	"platform-core/internal/telemetry"
)

// TerminalError wraps a handler failure that must not be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal marks err as non-retryable; the job fails immediately instead of
// consuming its remaining attempts.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// Handler executes a job of one type and returns its result blob.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Jobs is the queue surface the processor drives. Implemented by
// *queue.Queue.
type Jobs interface {
	ClaimNext(ctx context.Context) (models.Job, bool, error)
	MarkCompleted(ctx context.Context, id string, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, errText string, retry bool) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) ([]string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Options tune the poll loop.
type Options struct {
	PollInterval time.Duration
	ReclaimAfter time.Duration // running longer than this gets requeued
	ReclaimEvery time.Duration // minimum time between sweeps
}

const reclaimLockKey = "jobs:reclaim:lock"

// Processor polls ClaimNext and dispatches jobs to registered handlers.
// Many processors can run against the same store; the claim itself is the
// only coordination point.
type Processor struct {
	jobs      Jobs
	handlers  map[string]Handler
	locker    *redislock.Client
	metrics   *telemetry.Collector
	log       *logrus.Logger
	opts      Options
	lastSweep time.Time
}

func New(jobs Jobs, log *logrus.Logger, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.ReclaimEvery <= 0 {
		opts.ReclaimEvery = 30 * time.Second
	}
	return &Processor{
		jobs:     jobs,
		handlers: make(map[string]Handler),
		log:      log,
		opts:     opts,
	}
}

// WithReclaimLock guards the staleness sweep with a distributed lock so only
// one worker sweeps at a time.
func (p *Processor) WithReclaimLock(client *redis.Client) *Processor {
	p.locker = redislock.New(client)
	return p
}

// WithMetrics enables queue-depth reporting.
func (p *Processor) WithMetrics(c *telemetry.Collector) *Processor {
	p.metrics = c
	return p
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run drives the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.maybeReclaim(ctx)
		p.reportDepth(ctx)

		job, ok, err := p.jobs.ClaimNext(ctx)
		if err != nil {
			p.log.WithError(err).Warn("claim failed")
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Processor) process(ctx context.Context, job models.Job) {
	log := p.log.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"type":    job.Type,
		"attempt": job.Attempts + 1,
	})

	handler, ok := p.handlers[job.Type]
	if !ok {
		log.Error("no handler registered")
		if err := p.jobs.MarkFailed(ctx, job.ID, fmt.Sprintf("no handler registered for type %q", job.Type), false); err != nil {
			log.WithError(err).Error("mark failed")
		}
		return
	}

	result, err := handler(ctx, job)
	if err == nil {
		if err := p.jobs.MarkCompleted(ctx, job.ID, result); err != nil {
			log.WithError(err).Error("mark completed")
		}
		log.Debug("job completed")
		return
	}

	var terminal *TerminalError
	retry := !errors.As(err, &terminal)
	if err := p.jobs.MarkFailed(ctx, job.ID, err.Error(), retry); err != nil {
		log.WithError(err).Error("mark failed")
		return
	}
	log.WithError(err).WithField("retry", retry).Warn("job failed")
}

// maybeReclaim requeues jobs stuck in running after a worker crash. Runs at
// most once per ReclaimEvery, under the distributed lock when configured.
func (p *Processor) maybeReclaim(ctx context.Context) {
	if p.opts.ReclaimAfter <= 0 || time.Since(p.lastSweep) < p.opts.ReclaimEvery {
		return
	}
	p.lastSweep = time.Now()

	if p.locker != nil {
		lock, err := p.locker.Obtain(ctx, reclaimLockKey, p.opts.ReclaimEvery, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return
		}
		if err != nil {
			p.log.WithError(err).Warn("reclaim lock")
			return
		}
		defer func() { _ = lock.Release(ctx) }()
	}

	ids, err := p.jobs.ReclaimStale(ctx, p.opts.ReclaimAfter)
	if err != nil {
		p.log.WithError(err).Warn("reclaim stale jobs")
		return
	}
	if len(ids) > 0 {
		p.log.WithField("count", len(ids)).Info("reclaimed stale jobs")
	}
}

func (p *Processor) reportDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.jobs.Stats(ctx)
	if err != nil {
		return
	}
	_ = p.metrics.SetGauge(ctx, telemetry.MetricQueueDepth, float64(stats.Pending), map[string]string{})
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.PollInterval):
	}
}
