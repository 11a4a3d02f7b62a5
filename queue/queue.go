// Package queue implements the durable Redis-backed job queue shared by the
// intake API and the worker. It provides at-least-once delivery with
// exponential-backoff retries and heartbeat-based stall detection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/wpvideo/compress-api/log"
)

var (
	// ErrAlreadyExists is returned by Enqueue when a non-terminal job for the
	// same post is already tracked by the broker.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrUnavailable is returned when the broker cannot be reached within the
	// enqueue deadline.
	ErrUnavailable = errors.New("broker unavailable")
	// ErrNotFound is returned when the requested job is not tracked.
	ErrNotFound = errors.New("job not found")
	// ErrClosed is returned by ClaimNext after Close.
	ErrClosed = errors.New("queue client closed")
)

const (
	defaultMaxAttempts    = 3
	defaultBackoffBase    = 5 * time.Second
	defaultStallWindow    = 30 * time.Second
	defaultEnqueueTimeout = 15 * time.Second
	promoteInterval       = 5 * time.Second
	claimPollTimeout      = 1 * time.Second
)

type Options struct {
	Addr      string
	Password  string
	DB        int
	Namespace string

	MaxAttempts    int
	BackoffBase    time.Duration
	StallWindow    time.Duration
	EnqueueTimeout time.Duration

	// Injectable for tests
	Clock clock.Clock
}

func (o *Options) withDefaults() {
	if o.Namespace == "" {
		o.Namespace = "compress"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = defaultBackoffBase
	}
	if o.StallWindow <= 0 {
		o.StallWindow = defaultStallWindow
	}
	if o.EnqueueTimeout <= 0 {
		o.EnqueueTimeout = defaultEnqueueTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Client is the broker client. All methods are safe for concurrent use; the
// broker's own connection errors are retried transparently and never turned
// into job failures.
type Client struct {
	rdb    *redis.Client
	opts   Options
	events eventBus
	closed chan struct{}
}

func NewClient(opts Options) (*Client, error) {
	opts.withDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Client{
		rdb:    rdb,
		opts:   opts,
		closed: make(chan struct{}),
	}, nil
}

// NewClientFromRedis wraps an existing connection; used by tests.
func NewClientFromRedis(rdb *redis.Client, opts Options) *Client {
	opts.withDefaults()
	return &Client{
		rdb:    rdb,
		opts:   opts,
		closed: make(chan struct{}),
	}
}

func (c *Client) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return c.rdb.Close()
}

// Healthy reports whether the broker connection is usable.
func (c *Client) Healthy(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Subscribe() *Subscription {
	return c.events.subscribe(64)
}

// key helpers

func (c *Client) key(parts ...string) string {
	k := c.opts.Namespace
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (c *Client) pendingKey() string         { return c.key("pending") }
func (c *Client) processingKey() string      { return c.key("processing") }
func (c *Client) delayedKey() string         { return c.key("delayed") }
func (c *Client) completedKey() string       { return c.key("completed") }
func (c *Client) failedKey() string          { return c.key("failed") }
func (c *Client) recentKey() string          { return c.key("recent") }
func (c *Client) jobKey(id string) string    { return c.key("job", id) }
func (c *Client) postKey(post string) string { return c.key("post", post) }
func (c *Client) latestKey(post string) string {
	return c.key("post-latest", post)
}
func (c *Client) heartbeatKey(id string) string { return c.key("heartbeat", id) }

func postField(sub Submission) string { return fmt.Sprintf("%d", sub.PostID) }

// EnqueueResult is returned on a successful enqueue.
type EnqueueResult struct {
	JobID    string
	Position int64
}

// Enqueue wraps the submission in a Job and makes it durable. It rejects
// submissions while another job for the same post is in a non-terminal state
// and returns ErrUnavailable if the broker cannot be reached in time.
func (c *Client) Enqueue(ctx context.Context, sub Submission) (EnqueueResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.EnqueueTimeout)
	defer cancel()

	now := c.opts.Clock.Now()
	job := &Job{
		ID:         JobID(sub.PostID, now),
		Submission: sub,
		State:      StatePending,
		CreatedAt:  now.UnixMilli(),
		UpdatedAt:  now.UnixMilli(),
	}

	post := postField(sub)
	ok, err := c.rdb.SetNX(ctx, c.postKey(post), job.ID, 0).Result()
	if err != nil {
		return EnqueueResult{}, c.unavailable(err)
	}
	if !ok {
		// A guard key exists; only reject if the job it points to is really
		// still non-terminal. Anything else is a leftover to overwrite.
		existingID, err := c.rdb.Get(ctx, c.postKey(post)).Result()
		if err != nil && err != redis.Nil {
			return EnqueueResult{}, c.unavailable(err)
		}
		if existingID != "" {
			existing, err := c.GetJob(ctx, existingID)
			if err == nil && !existing.State.Terminal() {
				return EnqueueResult{}, ErrAlreadyExists
			}
		}
		if err := c.rdb.Set(ctx, c.postKey(post), job.ID, 0).Err(); err != nil {
			return EnqueueResult{}, c.unavailable(err)
		}
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.jobKey(job.ID), job.toHash())
	pipe.RPush(ctx, c.pendingKey(), job.ID)
	pipe.ZAdd(ctx, c.recentKey(), redis.Z{Score: float64(job.CreatedAt), Member: job.ID})
	pipe.Set(ctx, c.latestKey(post), job.ID, 0)
	pos := pipe.LLen(ctx, c.pendingKey())
	if _, err := pipe.Exec(ctx); err != nil {
		// roll back the guard so the caller can resubmit
		c.rdb.Del(context.Background(), c.postKey(post))
		return EnqueueResult{}, c.unavailable(err)
	}

	c.events.emit(Event{Type: EventWaiting, JobID: job.ID})
	return EnqueueResult{JobID: job.ID, Position: pos.Val()}, nil
}

func (c *Client) unavailable(err error) error {
	log.LogNoJobID("broker operation failed", "err", err)
	return fmt.Errorf("%w: %s", ErrUnavailable, err)
}

// ClaimNext blocks until a pending job is available, the context is
// cancelled, or the client is closed. The claimed job moves to processing
// with a fresh heartbeat; at most one worker observes a given job.
func (c *Client) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.closed:
			return nil, ErrClosed
		default:
		}

		id, err := c.rdb.BLMove(ctx, c.pendingKey(), c.processingKey(), "left", "right", claimPollTimeout).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.unavailable(err)
		}

		job, err := c.GetJob(ctx, id)
		if err == ErrNotFound {
			// removed while pending; drop the dangling list entry
			c.rdb.LRem(ctx, c.processingKey(), 0, id)
			continue
		}
		if err != nil {
			return nil, err
		}

		now := c.opts.Clock.Now().UnixMilli()
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, c.jobKey(id), map[string]interface{}{
			"state":      string(StateProcessing),
			"attempts":   job.Attempts + 1,
			"progress":   0,
			"stage":      "queued",
			"worker":     workerID,
			"updated_at": now,
		})
		pipe.Set(ctx, c.heartbeatKey(id), workerID, c.opts.StallWindow)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, c.unavailable(err)
		}

		job.State = StateProcessing
		job.Attempts++
		job.Progress = 0
		job.Worker = workerID
		job.UpdatedAt = now
		c.events.emit(Event{Type: EventActive, JobID: id})
		return job, nil
	}
}

// UpdateProgress is best-effort: it no-ops when the job is no longer held in
// processing, and ignores regressions so progress is monotonic within an
// attempt. It doubles as the heartbeat that keeps stall detection at bay.
func (c *Client) UpdateProgress(ctx context.Context, jobID string, percent int, stage string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job, err := c.GetJob(ctx, jobID)
	if err != nil {
		return nil
	}
	if job.State != StateProcessing {
		return nil
	}
	if percent < job.Progress {
		percent = job.Progress
	}
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.jobKey(jobID), map[string]interface{}{
		"progress":   percent,
		"stage":      stage,
		"updated_at": c.opts.Clock.Now().UnixMilli(),
	})
	pipe.Expire(ctx, c.heartbeatKey(jobID), c.opts.StallWindow)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the stall timer for a claimed job without touching
// progress.
func (c *Client) Heartbeat(ctx context.Context, jobID string) {
	c.rdb.Expire(ctx, c.heartbeatKey(jobID), c.opts.StallWindow)
}

// Finalize writes the terminal record for an attempt. On failure it applies
// the retry policy: retriable errors with attempts remaining are delayed
// with exponential backoff, everything else becomes a terminal failure.
// Finalizing an already-terminal or removed job is a no-op.
func (c *Client) Finalize(ctx context.Context, jobID string, success bool, result json.RawMessage, jobErr string, retriable bool) error {
	job, err := c.GetJob(ctx, jobID)
	if err == ErrNotFound {
		// cancelled mid-attempt; the terminal record is discarded
		c.rdb.LRem(ctx, c.processingKey(), 0, jobID)
		c.rdb.Del(ctx, c.heartbeatKey(jobID))
		return nil
	}
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return nil
	}

	now := c.opts.Clock.Now()
	post := postField(job.Submission)

	if success {
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, c.processingKey(), 0, jobID)
		pipe.HSet(ctx, c.jobKey(jobID), map[string]interface{}{
			"state":      string(StateCompleted),
			"progress":   100,
			"stage":      "complete",
			"result":     string(result),
			"error":      "",
			"updated_at": now.UnixMilli(),
		})
		pipe.ZAdd(ctx, c.completedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
		pipe.Del(ctx, c.heartbeatKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return c.unavailable(err)
		}
		c.releaseGuard(ctx, post, jobID)
		c.events.emit(Event{Type: EventCompleted, JobID: jobID})
		return nil
	}

	if retriable && job.Attempts < c.opts.MaxAttempts {
		delay := c.opts.BackoffBase * (1 << (job.Attempts - 1))
		retryAt := now.Add(delay).UnixMilli()
		pipe := c.rdb.TxPipeline()
		pipe.LRem(ctx, c.processingKey(), 0, jobID)
		pipe.HSet(ctx, c.jobKey(jobID), map[string]interface{}{
			"state":      string(StateDelayed),
			"error":      jobErr,
			"updated_at": now.UnixMilli(),
		})
		pipe.ZAdd(ctx, c.delayedKey(), redis.Z{Score: float64(retryAt), Member: jobID})
		pipe.Del(ctx, c.heartbeatKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return c.unavailable(err)
		}
		c.events.emit(Event{Type: EventDelayed, JobID: jobID, Error: jobErr})
		return nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.processingKey(), 0, jobID)
	pipe.HSet(ctx, c.jobKey(jobID), map[string]interface{}{
		"state":      string(StateFailed),
		"error":      jobErr,
		"updated_at": now.UnixMilli(),
	})
	pipe.ZAdd(ctx, c.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: jobID})
	pipe.Del(ctx, c.heartbeatKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return c.unavailable(err)
	}
	c.releaseGuard(ctx, post, jobID)
	c.events.emit(Event{Type: EventFailed, JobID: jobID, Error: jobErr})
	return nil
}

// releaseGuard frees the per-post uniqueness guard, but only if it still
// points at this job.
func (c *Client) releaseGuard(ctx context.Context, post, jobID string) {
	current, err := c.rdb.Get(ctx, c.postKey(post)).Result()
	if err == nil && current == jobID {
		c.rdb.Del(ctx, c.postKey(post))
	}
}

// Retry re-queues a terminally failed job with a fresh attempt budget.
func (c *Client) Retry(ctx context.Context, jobID string) (bool, error) {
	job, err := c.GetJob(ctx, jobID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.State != StateFailed {
		return false, nil
	}

	post := postField(job.Submission)
	ok, err := c.rdb.SetNX(ctx, c.postKey(post), jobID, 0).Result()
	if err != nil {
		return false, c.unavailable(err)
	}
	if !ok {
		// another job for the same post is already in flight
		return false, nil
	}

	pipe := c.rdb.TxPipeline()
	pipe.ZRem(ctx, c.failedKey(), jobID)
	pipe.HSet(ctx, c.jobKey(jobID), map[string]interface{}{
		"state":      string(StatePending),
		"attempts":   0,
		"progress":   0,
		"error":      "",
		"updated_at": c.opts.Clock.Now().UnixMilli(),
	})
	pipe.RPush(ctx, c.pendingKey(), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.rdb.Del(context.Background(), c.postKey(post))
		return false, c.unavailable(err)
	}
	c.events.emit(Event{Type: EventWaiting, JobID: jobID})
	return true, nil
}

// Remove cancels a non-terminal job. A job already claimed by a worker keeps
// running, but its terminal record will be discarded at Finalize time.
func (c *Client) Remove(ctx context.Context, jobID string) (bool, error) {
	job, err := c.GetJob(ctx, jobID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if job.State.Terminal() {
		return false, nil
	}

	post := postField(job.Submission)
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.pendingKey(), 0, jobID)
	pipe.LRem(ctx, c.processingKey(), 0, jobID)
	pipe.ZRem(ctx, c.delayedKey(), jobID)
	pipe.ZRem(ctx, c.recentKey(), jobID)
	pipe.Del(ctx, c.jobKey(jobID))
	pipe.Del(ctx, c.heartbeatKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, c.unavailable(err)
	}
	c.releaseGuard(ctx, post, jobID)
	return true, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	h, err := c.rdb.HGetAll(ctx, c.jobKey(jobID)).Result()
	if err != nil {
		return nil, c.unavailable(err)
	}
	return jobFromHash(jobID, h)
}

// GetJobByPost resolves the most recently enqueued job for a post.
func (c *Client) GetJobByPost(ctx context.Context, postID int64) (*Job, error) {
	id, err := c.rdb.Get(ctx, c.latestKey(fmt.Sprintf("%d", postID))).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, c.unavailable(err)
	}
	return c.GetJob(ctx, id)
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	pipe := c.rdb.Pipeline()
	pending := pipe.LLen(ctx, c.pendingKey())
	processing := pipe.LLen(ctx, c.processingKey())
	completed := pipe.ZCard(ctx, c.completedKey())
	failed := pipe.ZCard(ctx, c.failedKey())
	delayed := pipe.ZCard(ctx, c.delayedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, c.unavailable(err)
	}
	return Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Completed:  completed.Val(),
		Failed:     failed.Val(),
		Delayed:    delayed.Val(),
	}, nil
}

// ListRecent returns up to limit jobs ordered by enqueue time, newest first.
func (c *Client) ListRecent(ctx context.Context, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := c.rdb.ZRevRange(ctx, c.recentKey(), 0, limit-1).Result()
	if err != nil {
		return nil, c.unavailable(err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := c.GetJob(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// StartPromoter runs the background loop that moves due delayed jobs back to
// pending and returns stalled processing jobs to the queue. It blocks until
// the context is cancelled; exactly one promoter should run per worker.
func (c *Client) StartPromoter(ctx context.Context) {
	ticker := c.opts.Clock.Ticker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.Promote(ctx)
		}
	}
}

// Promote performs one promotion pass. Exported so tests (and the ticker
// loop) can drive it deterministically.
func (c *Client) Promote(ctx context.Context) {
	now := c.opts.Clock.Now().UnixMilli()

	// delayed jobs whose retry timer fired go back to pending
	due, err := c.rdb.ZRangeByScore(ctx, c.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		log.LogNoJobID("promoter: delayed scan failed", "err", err)
		return
	}
	for _, id := range due {
		removed, err := c.rdb.ZRem(ctx, c.delayedKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, c.jobKey(id), "state", string(StatePending), "updated_at", now)
		pipe.RPush(ctx, c.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.LogError(id, "promoter: failed to promote delayed job", err)
			continue
		}
		c.events.emit(Event{Type: EventWaiting, JobID: id})
	}

	// processing jobs without a live heartbeat are stalled
	claimed, err := c.rdb.LRange(ctx, c.processingKey(), 0, -1).Result()
	if err != nil {
		log.LogNoJobID("promoter: processing scan failed", "err", err)
		return
	}
	for _, id := range claimed {
		alive, err := c.rdb.Exists(ctx, c.heartbeatKey(id)).Result()
		if err != nil || alive > 0 {
			continue
		}
		job, err := c.GetJob(ctx, id)
		if err != nil {
			if err == ErrNotFound {
				c.rdb.LRem(ctx, c.processingKey(), 0, id)
			}
			continue
		}
		// a claim in flight has moved the id into processing but not yet
		// written its heartbeat; a record touched within the stall window
		// is that, not a crashed worker
		if now-job.UpdatedAt < c.opts.StallWindow.Milliseconds() {
			continue
		}
		removed, err := c.rdb.LRem(ctx, c.processingKey(), 0, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		pipe := c.rdb.TxPipeline()
		pipe.HSet(ctx, c.jobKey(id), "state", string(StatePending), "worker", "", "updated_at", now)
		pipe.RPush(ctx, c.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			log.LogError(id, "promoter: failed to requeue stalled job", err)
			continue
		}
		log.Log(id, "stalled job returned to pending")
		c.events.emit(Event{Type: EventStalled, JobID: id})
	}
}
