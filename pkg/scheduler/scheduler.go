// Package scheduler runs deferred governance work on a leased Postgres job
// queue. Claims use FOR UPDATE SKIP LOCKED plus a locked_until lease, so any
// number of workers can poll the same table and a crashed worker's jobs are
// re-claimed after the lease expires. Handlers must be idempotent: delivery
// is at-least-once.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    payload JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL DEFAULT 'pending',
    run_at TIMESTAMPTZ NOT NULL,
    locked_until TIMESTAMPTZ,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    last_error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due
    ON scheduled_jobs (run_at) WHERE status = 'pending';
`

// Job is one unit of deferred work.
type Job struct {
	ID          int64
	Kind        string
	Payload     []byte
	Status      string
	RunAt       time.Time
	LockedUntil *time.Time
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
}

// Handler executes one claimed job.
type Handler func(ctx context.Context, payload []byte) error

// Options tune the worker loop. Zero values take the defaults.
type Options struct {
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
	MaxAttempts  int
	BackoffBase  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	return o
}

// Scheduler enqueues and executes jobs.
type Scheduler struct {
	db       *sql.DB
	opts     Options
	handlers map[string]Handler
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a scheduler over an open database handle.
func New(db *sql.DB, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		db:       db,
		opts:     opts.withDefaults(),
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Init creates the job table if it does not exist.
func (s *Scheduler) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, pgSchema); err != nil {
		return fmt.Errorf("init scheduler schema: %w", err)
	}
	return nil
}

// Register binds a handler to a job kind. Not safe to call after Run starts.
func (s *Scheduler) Register(kind string, h Handler) {
	s.handlers[kind] = h
}

// Enqueue persists a job to run at or after runAt.
func (s *Scheduler) Enqueue(ctx context.Context, kind string, payload any, runAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (kind, payload, run_at, max_attempts)
		VALUES ($1, $2, $3, $4)`,
		kind, body, runAt.UTC(), s.opts.MaxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// DecodePayload unpacks a job payload into dst.
func DecodePayload(payload []byte, dst any) error {
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}
	return nil
}

// Run polls for due jobs until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	s.logger.Info("scheduler started", "poll_interval", s.opts.PollInterval, "lease", s.opts.Lease)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("job poll failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("jobs processed", "count", n)
			}
		}
	}
}

// RunOnce claims and executes one batch of due jobs. Returns the number of
// jobs executed.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	jobs, err := s.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.execute(ctx, job)
	}
	return len(jobs), nil
}

// claim leases a batch of due jobs. The lease is taken in the same
// transaction as the SKIP LOCKED select, so a claimed job is invisible to
// other workers until locked_until passes.
func (s *Scheduler) claim(ctx context.Context) ([]Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, kind, payload, status, run_at, locked_until, attempts, max_attempts,
			last_error, created_at
		FROM scheduled_jobs
		WHERE status = 'pending' AND run_at <= $1
			AND (locked_until IS NULL OR locked_until <= $1)
		ORDER BY run_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, s.opts.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select due jobs: %w", err)
	}
	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.RunAt,
			&j.LockedUntil, &j.Attempts, &j.MaxAttempts, &j.LastError, &j.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	lease := now.Add(s.opts.Lease)
	for _, j := range jobs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scheduled_jobs SET locked_until = $2, attempts = attempts + 1
			WHERE id = $1`, j.ID, lease); err != nil {
			return nil, fmt.Errorf("lease job: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	for i := range jobs {
		jobs[i].Attempts++
		jobs[i].LockedUntil = &lease
	}
	return jobs, nil
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	h, ok := s.handlers[job.Kind]
	if !ok {
		s.fail(ctx, job, fmt.Errorf("no handler for kind %q", job.Kind))
		return
	}
	if err := h(ctx, job.Payload); err != nil {
		if job.Attempts >= job.MaxAttempts {
			s.fail(ctx, job, err)
			return
		}
		s.retry(ctx, job, err)
		return
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'done', locked_until = NULL, last_error = ''
		WHERE id = $1`, job.ID); err != nil {
		s.logger.Error("mark job done failed", "job_id", job.ID, "error", err)
	}
}

// retry releases the lease and pushes run_at out with linear backoff per
// attempt.
func (s *Scheduler) retry(ctx context.Context, job Job, cause error) {
	backoff := time.Duration(job.Attempts) * s.opts.BackoffBase
	next := s.now().UTC().Add(backoff)
	s.logger.Warn("job failed, will retry",
		"job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts,
		"next_run", next, "error", cause)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET run_at = $2, locked_until = NULL, last_error = $3
		WHERE id = $1`, job.ID, next, cause.Error()); err != nil {
		s.logger.Error("reschedule job failed", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) fail(ctx context.Context, job Job, cause error) {
	s.logger.Error("job failed permanently",
		"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", cause)
	if _, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'failed', locked_until = NULL, last_error = $2
		WHERE id = $1`, job.ID, cause.Error()); err != nil {
		s.logger.Error("mark job failed errored", "job_id", job.ID, "error", err)
	}
}

// PruneDone deletes finished jobs older than the retention window.
func (s *Scheduler) PruneDone(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_jobs WHERE status = 'done' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}
