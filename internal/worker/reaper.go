package worker

import (
	"context"
	"log/slog"
	"time"

	"docfinder/internal/logging"
)

// Maintainer is the housekeeping part of *queue.Queue.
type Maintainer interface {
	ResetStale(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

type ReaperOptions struct {
	Interval       time.Duration
	StaleAfter     time.Duration
	PurgeAfterDays int
	PurgeEvery     time.Duration
	Logger         *slog.Logger
}

// Reaper returns jobs orphaned by dead workers to the queue and purges old
// finished jobs.
type Reaper struct {
	queue Maintainer
	opts  ReaperOptions
	log   *slog.Logger
}

func NewReaper(q Maintainer, opts ReaperOptions) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 30 * time.Minute
	}
	if opts.PurgeAfterDays <= 0 {
		opts.PurgeAfterDays = 7
	}
	if opts.PurgeEvery <= 0 {
		opts.PurgeEvery = 24 * time.Hour
	}
	return &Reaper{queue: q, opts: opts, log: logging.OrDefault(opts.Logger).With("component", "reaper")}
}

// Run sweeps every Interval and purges every PurgeEvery until ctx ends.
func (r *Reaper) Run(ctx context.Context) error {
	sweep := time.NewTicker(r.opts.Interval)
	defer sweep.Stop()
	purge := time.NewTicker(r.opts.PurgeEvery)
	defer purge.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			r.Sweep(ctx)
		case <-purge.C:
			r.Purge(ctx)
		}
	}
}

// Sweep resets processing jobs older than StaleAfter.
func (r *Reaper) Sweep(ctx context.Context) int64 {
	n, err := r.queue.ResetStale(ctx, r.opts.StaleAfter)
	if err != nil {
		r.log.Error("reset stale jobs failed", "error", err)
		return 0
	}
	if n > 0 {
		r.log.Warn("reset stale jobs", "count", n, "older_than", r.opts.StaleAfter)
	}
	return n
}

// Purge deletes finished jobs older than PurgeAfterDays.
func (r *Reaper) Purge(ctx context.Context) int64 {
	n, err := r.queue.PurgeOlderThan(ctx, r.opts.PurgeAfterDays)
	if err != nil {
		r.log.Error("purge old jobs failed", "error", err)
		return 0
	}
	r.log.Info("purged old jobs", "count", n, "days", r.opts.PurgeAfterDays)
	return n
}
