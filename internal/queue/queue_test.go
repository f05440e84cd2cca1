package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"docfinder/internal/config"
	"docfinder/internal/logging"
	"docfinder/internal/models"
	"docfinder/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: ":memory:"}},
	}
	db, err := storage.Open("sqlite3", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, 0))
	return db
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *storage.DB, *testClock) {
	t.Helper()
	db := openTestDB(t)
	clock := newClock()
	opts.Now = clock.Now
	opts.Logger = logging.Discard()
	return New(db, opts), db, clock
}

func insertDocument(t *testing.T, db *storage.DB) int64 {
	t.Helper()
	id, err := db.InsertID(context.Background(), nil,
		`INSERT INTO documents (owner_id, file_name, media_type, size, stored_path, uploaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		1, "doc.txt", "text/plain", 10, "/tmp/doc.txt", time.Now().UTC())
	require.NoError(t, err)
	return id
}

func TestEnqueueDefaultsAndValidation(t *testing.T) {
	notifier := &countingNotifier{}
	q, db, _ := newTestQueue(t, Options{Notifier: notifier})
	ctx := context.Background()
	docID := insertDocument(t, db)

	id, err := q.Enqueue(ctx, docID, models.JobOCR, 0)
	require.NoError(t, err)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultJobPriority, job.Priority)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 1, notifier.n)

	_, err = q.Enqueue(ctx, docID, models.JobKind("translate"), 5)
	require.Error(t, err)
}

func TestClaimNextOrdering(t *testing.T) {
	q, db, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)

	low, err := q.Enqueue(ctx, docID, models.JobEmbed, 1)
	require.NoError(t, err)
	clock.Advance(time.Second)
	highLater, err := q.Enqueue(ctx, docID, models.JobAnalyze, 9)
	require.NoError(t, err)
	clock.Advance(time.Second)
	highLatest, err := q.Enqueue(ctx, docID, models.JobOCR, 9)
	require.NoError(t, err)

	var order []int64
	for {
		job, err := q.ClaimNext(ctx, "w1")
		require.NoError(t, err)
		if job == nil {
			break
		}
		assert.Equal(t, models.JobProcessing, job.Status)
		assert.Equal(t, 1, job.Attempts)
		assert.Equal(t, "w1", job.WorkerID)
		require.NotNil(t, job.StartedAt)
		order = append(order, job.ID)
	}
	assert.Equal(t, []int64{highLater, highLatest, low}, order)
}

func TestClaimNextEmpty(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	job, err := q.ClaimNext(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimNextReportsContention(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)
	_, err := q.Enqueue(ctx, docID, models.JobOCR, 0)
	require.NoError(t, err)

	// Every status update is swallowed, as if another worker always won.
	_, err = db.ExecContext(ctx, `CREATE TRIGGER always_lose BEFORE UPDATE ON indexing_jobs BEGIN SELECT RAISE(IGNORE); END`)
	require.NoError(t, err)

	job, err := q.ClaimNext(ctx, "w1")
	require.ErrorIs(t, err, ErrClaimContended)
	assert.Nil(t, job)

	_, err = db.ExecContext(ctx, `DROP TRIGGER always_lose`)
	require.NoError(t, err)
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)

	const jobs = 24
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, docID, models.JobEmbed, 5)
		require.NoError(t, err)
	}

	const workers = 8
	var (
		mu      sync.Mutex
		claimed = map[int64]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				job, err := q.ClaimNext(ctx, "worker")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}

func TestFailRetriesThenFails(t *testing.T) {
	q, db, clock := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	docID := insertDocument(t, db)

	id, err := q.Enqueue(ctx, docID, models.JobEmbed, 5)
	require.NoError(t, err)

	job, err := q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	status, err := q.Fail(ctx, id, "provider down")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, status)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "provider down", got.LastError)
	assert.True(t, got.ScheduledAt.Equal(clock.Now().Add(5*time.Minute)), "scheduled_at %s", got.ScheduledAt)

	// The retry delay is honoured.
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(5 * time.Minute)
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 2, job.Attempts)

	status, err = q.Fail(ctx, id, "provider still down")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status)

	got, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.NotNil(t, got.CompletedAt)

	clock.Advance(time.Hour)
	job, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "terminal job must never be claimed again")
}

func TestFailOnNonProcessingIsNoop(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id, err := q.Enqueue(ctx, insertDocument(t, db), models.JobOCR, 5)
	require.NoError(t, err)

	status, err := q.Fail(ctx, id, "boom")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, status)

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.LastError)
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	id, err := q.Enqueue(ctx, insertDocument(t, db), models.JobAnalyze, 5)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id))
	require.NoError(t, q.Complete(ctx, id))

	got, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)

	status, err := q.Fail(ctx, id, "late failure")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, status)
}

func TestCompleteUnknownJob(t *testing.T) {
	q, _, _ := newTestQueue(t, Options{})
	err := q.Complete(context.Background(), 999)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestRetryDelayExponential(t *testing.T) {
	q := New(nil, Options{RetryDelay: time.Minute, ExponentialBackoff: true, MaxRetryDelay: 5 * time.Minute})
	assert.Equal(t, time.Minute, q.RetryDelay(1))
	assert.Equal(t, 2*time.Minute, q.RetryDelay(2))
	assert.Equal(t, 4*time.Minute, q.RetryDelay(3))
	assert.Equal(t, 5*time.Minute, q.RetryDelay(4))

	fixed := New(nil, Options{})
	assert.Equal(t, 5*time.Minute, fixed.RetryDelay(1))
	assert.Equal(t, 5*time.Minute, fixed.RetryDelay(3))
}

func TestStatsZeroFilled(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)
	_, err := q.Enqueue(ctx, docID, models.JobOCR, 5)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, docID, models.JobEmbed, 5)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)

	stats, err := q.Stats(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, map[models.JobStatus]int{
		models.JobPending:    1,
		models.JobProcessing: 1,
		models.JobCompleted:  0,
		models.JobFailed:     0,
	}, stats)
}

func TestPurgeOlderThan(t *testing.T) {
	q, db, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)

	done, err := q.Enqueue(ctx, docID, models.JobOCR, 5)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, done))
	pending, err := q.Enqueue(ctx, docID, models.JobEmbed, 5)
	require.NoError(t, err)

	n, err := q.PurgeOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(8 * 24 * time.Hour)
	n, err = q.PurgeOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = q.Get(ctx, done)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = q.Get(ctx, pending)
	require.NoError(t, err)

	_, err = q.PurgeOlderThan(ctx, -1)
	require.Error(t, err)
}

func TestResetStale(t *testing.T) {
	q, db, clock := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	docID := insertDocument(t, db)

	retryable, err := q.Enqueue(ctx, docID, models.JobOCR, 9)
	require.NoError(t, err)
	_, err = q.ClaimNext(ctx, "lost-worker")
	require.NoError(t, err)

	exhausted, err := q.Enqueue(ctx, docID, models.JobEmbed, 1)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE indexing_jobs SET status = 'processing', attempts = 2, started_at = ? WHERE id = ?`,
		clock.Now(), exhausted)
	require.NoError(t, err)

	n, err := q.ResetStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh jobs are not stale")

	clock.Advance(31 * time.Minute)
	n, err = q.ResetStale(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := q.Get(ctx, retryable)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, staleReason, got.LastError)
	assert.Empty(t, got.WorkerID)

	got, err = q.Get(ctx, exhausted)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}

func TestListForDocument(t *testing.T) {
	q, db, _ := newTestQueue(t, Options{})
	ctx := context.Background()
	docID := insertDocument(t, db)
	other := insertDocument(t, db)

	first, err := q.Enqueue(ctx, docID, models.JobOCR, 5)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, docID, models.JobEmbed, 5)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, other, models.JobEmbed, 5)
	require.NoError(t, err)

	jobs, err := q.ListForDocument(ctx, docID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, second, jobs[0].ID)
	assert.Equal(t, first, jobs[1].ID)
}
