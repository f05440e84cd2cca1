// Package queue implements the durable indexing job queue. Jobs live in the
// indexing_jobs table; every status transition goes through this package.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/storage"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrClaimContended means eligible jobs remain but every claim attempt lost
// to another worker. Callers should retry shortly rather than idle.
var ErrClaimContended = errors.New("claim contended")

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = 5 * time.Minute
	maxErrorLength     = 2000
	staleReason        = "stale: worker lost"
	maxClaimRaces      = 32
)

// Notifier is told about newly runnable jobs so idle workers can wake early.
type Notifier interface {
	Notify(ctx context.Context)
}

// Options tunes retry behaviour.
type Options struct {
	MaxAttempts        int
	RetryDelay         time.Duration
	ExponentialBackoff bool
	MaxRetryDelay      time.Duration
	Notifier           Notifier
	Logger             *slog.Logger
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Queue is a priority ordered, at-least-once job queue.
type Queue struct {
	db   *storage.DB
	opts Options
	log  *slog.Logger
}

// New builds a queue over db.
func New(db *storage.DB, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.MaxRetryDelay < opts.RetryDelay {
		opts.MaxRetryDelay = opts.RetryDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{db: db, opts: opts, log: logging.OrDefault(opts.Logger).With("component", "queue")}
}

func (q *Queue) now() time.Time {
	return q.opts.Now().UTC()
}

// SetNotifier attaches a wake-up notifier after construction.
func (q *Queue) SetNotifier(n Notifier) {
	q.opts.Notifier = n
}

// Enqueue creates a pending job. A priority <= 0 means the default priority.
func (q *Queue) Enqueue(ctx context.Context, documentID int64, kind models.JobKind, priority int) (int64, error) {
	if _, err := models.ParseJobKind(string(kind)); err != nil {
		return 0, err
	}
	if priority <= 0 {
		priority = models.DefaultJobPriority
	}
	now := q.now()
	id, err := q.db.InsertID(ctx, nil,
		`INSERT INTO indexing_jobs (document_id, kind, priority, status, attempts, max_attempts, scheduled_at, last_error, worker_id, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, '', '', ?)`,
		documentID, string(kind), priority, string(models.JobPending), q.opts.MaxAttempts, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	q.log.Info("job enqueued", "job_id", id, "document_id", documentID, "kind", kind, "priority", priority)
	if q.opts.Notifier != nil {
		q.opts.Notifier.Notify(ctx)
	}
	return id, nil
}

const eligibleWhere = `status = 'pending' AND attempts < max_attempts AND scheduled_at <= ?`
const claimOrder = `ORDER BY priority DESC, scheduled_at ASC, id ASC`

// ClaimNext atomically moves the best eligible job to processing and returns
// it. It returns nil, nil when nothing is eligible and ErrClaimContended
// when jobs are eligible but could not be won.
func (q *Queue) ClaimNext(ctx context.Context, workerID string) (*models.IndexingJob, error) {
	var (
		id  int64
		err error
	)
	if q.db.Dialect.SkipLocked() {
		id, err = q.claimLocked(ctx, workerID)
	} else {
		id, err = q.claimCAS(ctx, workerID)
	}
	if err != nil || id == 0 {
		return nil, err
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	q.log.Info("job claimed", "job_id", job.ID, "document_id", job.DocumentID, "kind", job.Kind,
		"attempt", job.Attempts, "worker_id", workerID)
	return job, nil
}

// claimLocked selects with FOR UPDATE SKIP LOCKED so concurrent pollers each
// get a distinct row without blocking on each other.
func (q *Queue) claimLocked(ctx context.Context, workerID string) (int64, error) {
	now := q.now()
	var id int64
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, q.db.Rebind(
			`SELECT id FROM indexing_jobs WHERE `+eligibleWhere+` `+claimOrder+` LIMIT 1 FOR UPDATE SKIP LOCKED`), now)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				id = 0
				return nil
			}
			return fmt.Errorf("select claimable job: %w", err)
		}
		_, err := tx.ExecContext(ctx, q.db.Rebind(
			`UPDATE indexing_jobs SET status = 'processing', attempts = attempts + 1, started_at = ?, worker_id = ? WHERE id = ?`),
			now, workerID, id)
		if err != nil {
			return fmt.Errorf("mark job %d processing: %w", id, err)
		}
		return nil
	})
	return id, err
}

// claimCAS is the sqlite path: pick a candidate then compare-and-set its
// status. Losing the race means another worker claimed it, so try again.
func (q *Queue) claimCAS(ctx context.Context, workerID string) (int64, error) {
	for attempt := 0; attempt < maxClaimRaces; attempt++ {
		now := q.now()
		var id int64
		err := q.db.QueryRowContext(ctx,
			`SELECT id FROM indexing_jobs WHERE `+eligibleWhere+` `+claimOrder+` LIMIT 1`, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("select claimable job: %w", err)
		}
		res, err := q.db.ExecContext(ctx,
			`UPDATE indexing_jobs SET status = 'processing', attempts = attempts + 1, started_at = ?, worker_id = ?
			 WHERE id = ? AND status = 'pending' AND attempts < max_attempts`,
			now, workerID, id)
		if err != nil {
			return 0, fmt.Errorf("mark job %d processing: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return id, nil
		}
	}
	q.log.Debug("claim lost every race", "worker_id", workerID, "attempts", maxClaimRaces)
	return 0, ErrClaimContended
}

// Complete marks a processing job completed. Completing a job in any other
// state is a logged no-op.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	res, err := q.db.ExecContext(ctx, q.db.Rebind(
		`UPDATE indexing_jobs SET status = 'completed', completed_at = ? WHERE id = ? AND status = 'processing'`),
		q.now(), jobID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		q.log.Info("job completed", "job_id", jobID)
		return nil
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	q.log.Warn("complete on job not in processing state", "job_id", jobID, "status", job.Status)
	return nil
}

// Fail records a failed attempt. The job goes back to pending with a delayed
// schedule while attempts remain, otherwise it becomes terminally failed. The
// resulting status is returned.
func (q *Queue) Fail(ctx context.Context, jobID int64, reason string) (models.JobStatus, error) {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != models.JobProcessing {
		q.log.Warn("fail on job not in processing state", "job_id", jobID, "status", job.Status)
		return job.Status, nil
	}
	if len(reason) > maxErrorLength {
		reason = reason[:maxErrorLength]
	}

	now := q.now()
	var (
		next models.JobStatus
		res  sql.Result
	)
	if job.Attempts >= job.MaxAttempts {
		next = models.JobFailed
		res, err = q.db.ExecContext(ctx, q.db.Rebind(
			`UPDATE indexing_jobs SET status = 'failed', last_error = ?, completed_at = ? WHERE id = ? AND status = 'processing'`),
			reason, now, jobID)
	} else {
		next = models.JobPending
		res, err = q.db.ExecContext(ctx, q.db.Rebind(
			`UPDATE indexing_jobs SET status = 'pending', last_error = ?, scheduled_at = ?, worker_id = '' WHERE id = ? AND status = 'processing'`),
			reason, now.Add(q.RetryDelay(job.Attempts)), jobID)
	}
	if err != nil {
		return "", fmt.Errorf("fail job %d: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		current, err := q.Get(ctx, jobID)
		if err != nil {
			return "", err
		}
		q.log.Warn("fail on job not in processing state", "job_id", jobID, "status", current.Status)
		return current.Status, nil
	}

	if next == models.JobFailed {
		q.log.Error("job failed permanently", "job_id", jobID, "document_id", job.DocumentID, "kind", job.Kind,
			"attempts", job.Attempts, "error", reason)
	} else {
		q.log.Warn("job scheduled for retry", "job_id", jobID, "document_id", job.DocumentID, "kind", job.Kind,
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "error", reason)
	}
	return next, nil
}

// RetryDelay is the wait before the next attempt after attempts failures.
func (q *Queue) RetryDelay(attempts int) time.Duration {
	delay := q.opts.RetryDelay
	if !q.opts.ExponentialBackoff {
		return delay
	}
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.opts.MaxRetryDelay {
			return q.opts.MaxRetryDelay
		}
	}
	return delay
}

// Stats counts jobs created in the last windowHours by status. Every status
// is present in the result.
func (q *Queue) Stats(ctx context.Context, windowHours int) (map[models.JobStatus]int, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := q.now().Add(-time.Duration(windowHours) * time.Hour)
	rows, err := q.db.QueryContext(ctx, q.db.Rebind(
		`SELECT status, COUNT(*) FROM indexing_jobs WHERE created_at >= ? GROUP BY status`), since)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[models.JobStatus]int, len(models.JobStatuses))
	for _, s := range models.JobStatuses {
		stats[s] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[models.JobStatus(status)] = count
	}
	return stats, rows.Err()
}

// PurgeOlderThan deletes terminal jobs that finished more than days ago.
func (q *Queue) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must be non-negative, got %d", days)
	}
	cutoff := q.now().Add(-time.Duration(days) * 24 * time.Hour)
	res, err := q.db.ExecContext(ctx, q.db.Rebind(
		`DELETE FROM indexing_jobs WHERE status IN ('completed', 'failed') AND completed_at < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.log.Info("purged finished jobs", "count", n, "older_than_days", days)
	}
	return n, nil
}

// ResetStale recovers jobs whose worker vanished: processing jobs started
// before now-olderThan go back to pending, or to failed when no attempts
// remain.
func (q *Queue) ResetStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.now()
	cutoff := now.Add(-olderThan)
	var failed, reset int64
	err := q.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, q.db.Rebind(
			`UPDATE indexing_jobs SET status = 'failed', last_error = ?, completed_at = ?
			 WHERE status = 'processing' AND started_at < ? AND attempts >= max_attempts`),
			staleReason, now, cutoff)
		if err != nil {
			return fmt.Errorf("fail stale jobs: %w", err)
		}
		failed, _ = res.RowsAffected()
		res, err = tx.ExecContext(ctx, q.db.Rebind(
			`UPDATE indexing_jobs SET status = 'pending', last_error = ?, scheduled_at = ?, worker_id = ''
			 WHERE status = 'processing' AND started_at < ? AND attempts < max_attempts`),
			staleReason, now, cutoff)
		if err != nil {
			return fmt.Errorf("reset stale jobs: %w", err)
		}
		reset, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if failed+reset > 0 {
		q.log.Warn("recovered stale jobs", "reset", reset, "failed", failed, "older_than", olderThan)
		if reset > 0 && q.opts.Notifier != nil {
			q.opts.Notifier.Notify(ctx)
		}
	}
	return failed + reset, nil
}

const jobColumns = `id, document_id, kind, priority, status, attempts, max_attempts, scheduled_at,
	started_at, completed_at, last_error, worker_id, created_at`

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id int64) (*models.IndexingJob, error) {
	row := q.db.QueryRowContext(ctx, q.db.Rebind(`SELECT `+jobColumns+` FROM indexing_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %d: %w", id, ErrJobNotFound)
	}
	return job, err
}

// ListForDocument returns every job of a document, newest first.
func (q *Queue) ListForDocument(ctx context.Context, documentID int64) ([]*models.IndexingJob, error) {
	rows, err := q.db.QueryContext(ctx, q.db.Rebind(
		`SELECT `+jobColumns+` FROM indexing_jobs WHERE document_id = ? ORDER BY id DESC`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.IndexingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.IndexingJob, error) {
	var (
		job                models.IndexingJob
		kind, status       string
		started, completed sql.NullTime
	)
	if err := s.Scan(&job.ID, &job.DocumentID, &kind, &job.Priority, &status, &job.Attempts, &job.MaxAttempts,
		&job.ScheduledAt, &started, &completed, &job.LastError, &job.WorkerID, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return &job, nil
}
