// Package worker runs indexing jobs claimed from the durable queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/queue"

	"github.com/google/uuid"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultJobTimeout   = 10 * time.Minute
	statusUpdateTimeout = 10 * time.Second
	contentionBackoff   = 50 * time.Millisecond
)

// JobQueue is the part of *queue.Queue a runner drives.
type JobQueue interface {
	ClaimNext(ctx context.Context, workerID string) (*models.IndexingJob, error)
	Complete(ctx context.Context, jobID int64) error
	Fail(ctx context.Context, jobID int64, reason string) (models.JobStatus, error)
}

// Handler executes one claimed job; *indexing.Pipeline satisfies it.
type Handler interface {
	Run(ctx context.Context, job *models.IndexingJob) error
}

type Options struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	// Wake, when set, interrupts the poll sleep as soon as a job is enqueued.
	Wake   <-chan struct{}
	Logger *slog.Logger
}

// Runner owns Concurrency independent claim loops. Each loop processes one
// job at a time.
type Runner struct {
	queue   JobQueue
	handler Handler
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(q JobQueue, h Handler, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = defaultJobTimeout
	}
	return &Runner{
		queue:   q,
		handler: h,
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "worker"),
	}
}

// Start launches the loops. They stop between jobs once ctx is cancelled or
// Stop is called.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	for i := 0; i < r.opts.Concurrency; i++ {
		workerID := uuid.NewString()
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, workerID)
		}()
	}
	r.log.Info("workers started", "count", r.opts.Concurrency, "poll_interval", r.opts.PollInterval)
}

// Stop signals the loops to exit and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Wait blocks until every loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context, workerID string) {
	log := r.log.With("worker_id", workerID)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		if r.drain(ctx, workerID, log) {
			select {
			case <-ctx.Done():
				log.Info("worker stopped")
				return
			case <-time.After(contentionBackoff):
			}
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
		case <-r.opts.Wake:
		}
	}
}

// drain keeps claiming until the queue has nothing eligible. It reports
// whether it stopped because claims were contended.
func (r *Runner) drain(ctx context.Context, workerID string, log *slog.Logger) bool {
	for ctx.Err() == nil {
		ran, err := r.RunOnce(ctx, workerID)
		if errors.Is(err, queue.ErrClaimContended) {
			log.Debug("claims contended; retrying shortly")
			return true
		}
		if err != nil {
			log.Error("claim failed", "error", err)
			return false
		}
		if !ran {
			return false
		}
	}
	return false
}

// RunOnce claims and processes at most one job. It reports whether a job
// was claimed; the error is only about claiming.
func (r *Runner) RunOnce(ctx context.Context, workerID string) (bool, error) {
	job, err := r.queue.ClaimNext(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := r.log.With("worker_id", workerID, "job_id", job.ID, "document_id", job.DocumentID, "kind", job.Kind)
	log.Info("job claimed", "attempt", job.Attempts, "max_attempts", job.MaxAttempts)

	// Running jobs are not interrupted by shutdown, only by the job timeout.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.JobTimeout)
	start := time.Now()
	runErr := r.execute(jobCtx, job)
	cancel()

	updateCtx, cancelUpdate := context.WithTimeout(context.WithoutCancel(ctx), statusUpdateTimeout)
	defer cancelUpdate()
	if runErr == nil {
		if err := r.queue.Complete(updateCtx, job.ID); err != nil {
			log.Error("complete failed", "error", err)
			return true, nil
		}
		log.Info("job completed", "elapsed", time.Since(start))
		return true, nil
	}

	status, err := r.queue.Fail(updateCtx, job.ID, runErr.Error())
	if err != nil {
		log.Error("fail failed", "error", err, "job_error", runErr)
		return true, nil
	}
	if status == models.JobFailed {
		log.Error("job failed permanently", "error", runErr, "attempt", job.Attempts)
	} else {
		log.Warn("job will be retried", "error", runErr, "attempt", job.Attempts, "max_attempts", job.MaxAttempts)
	}
	return true, nil
}

func (r *Runner) execute(ctx context.Context, job *models.IndexingJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("job panicked", "job_id", job.ID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.handler.Run(ctx, job)
}
