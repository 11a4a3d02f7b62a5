package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) (*Client, *clock.Mock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(1700000000000))
	c := NewClientFromRedis(rdb, Options{
		Clock:       mock,
		BackoffBase: 5 * time.Second,
		StallWindow: 30 * time.Second,
	})
	t.Cleanup(func() { c.Close() })
	return c, mock
}

func testSubmission() Submission {
	return Submission{
		PostID:    42,
		MediaPath: "/wp-content/uploads/2025/01/clip.mp4",
		VideoURL:  "https://allowed.example.com/clip.mp4",
		Year:      2025,
		Month:     1,
	}
}

func TestEnqueueClaimFinalizeRoundtrip(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	require.Equal(t, "job_42_1700000000000", res.JobID)
	require.EqualValues(t, 1, res.Position)

	job, err := c.ClaimNext(ctx, "worker-1")
	require.NoError(t, err)
	require.Equal(t, res.JobID, job.ID)
	require.Equal(t, StateProcessing, job.State)
	require.Equal(t, 1, job.Attempts)

	result := json.RawMessage(`{"compression_ratio":"62.50%"}`)
	require.NoError(t, c.Finalize(ctx, job.ID, true, result, "", false))

	stored, err := c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, stored.State)
	require.Equal(t, 100, stored.Progress)
	require.JSONEq(t, string(result), string(stored.Result))

	// terminal records are immutable
	require.NoError(t, c.Finalize(ctx, job.ID, false, nil, "late failure", true))
	stored, err = c.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StateCompleted, stored.State)
}

func TestEnqueueRejectsDuplicatePost(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	mock.Add(time.Second)
	_, err = c.Enqueue(ctx, testSubmission())
	require.ErrorIs(t, err, ErrAlreadyExists)

	// a different post is fine
	other := testSubmission()
	other.PostID = 43
	_, err = c.Enqueue(ctx, other)
	require.NoError(t, err)
}

func TestEnqueueAllowedAfterTerminalState(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	job, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, res.JobID, job.ID)
	require.NoError(t, c.Finalize(ctx, job.ID, true, json.RawMessage(`{}`), "", false))

	mock.Add(time.Second)
	_, err = c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	// attempt 1 fails recoverably
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, res.JobID, false, nil, "transcode blew up", true))

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, job.State)
	require.Equal(t, "transcode blew up", job.Error)

	// not due yet
	c.Promote(ctx)
	job, err = c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StateDelayed, job.State)

	// past the 5s base backoff the job is promoted back to pending
	mock.Add(6 * time.Second)
	c.Promote(ctx)
	job, err = c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StatePending, job.State)

	// attempt 2 keeps the attempt counter
	job, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, 2, job.Attempts)
}

func TestAttemptExhaustionFailsTerminally(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		job, err := c.ClaimNext(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, attempt, job.Attempts)
		require.NoError(t, c.Finalize(ctx, res.JobID, false, nil, "still broken", true))
		mock.Add(time.Minute)
		c.Promote(ctx)
	}

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, job.State)
	require.Equal(t, "still broken", job.Error)
}

func TestUnretriableFailureSkipsRetries(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, res.JobID, false, nil, "InvalidCodec: mjpeg", false))

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, job.State)
	require.Equal(t, 1, job.Attempts)
}

func TestStalledJobReturnsToPending(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)

	// heartbeat expired (the worker died)
	require.NoError(t, c.rdb.Del(ctx, c.heartbeatKey(res.JobID)).Err())
	mock.Add(31 * time.Second)
	c.Promote(ctx)

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StatePending, job.State)

	// claimable again
	job, err = c.ClaimNext(ctx, "w2")
	require.NoError(t, err)
	require.Equal(t, res.JobID, job.ID)
	require.Equal(t, 2, job.Attempts)
}

func TestPromoteSparesFreshlyClaimedJob(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)

	// no heartbeat yet, as in the window between the list move and the
	// claim write, but the record was touched moments ago
	require.NoError(t, c.rdb.Del(ctx, c.heartbeatKey(res.JobID)).Err())
	c.Promote(ctx)

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StateProcessing, job.State)

	// once the stall window passes the same job is fair game
	mock.Add(31 * time.Second)
	c.Promote(ctx)
	job, err = c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StatePending, job.State)
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, c.UpdateProgress(ctx, res.JobID, 25, "validating"))
	require.NoError(t, c.UpdateProgress(ctx, res.JobID, 10, "validating"))

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, 25, job.Progress)
}

func TestUpdateProgressNoopsWhenNotHeld(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	require.NoError(t, c.UpdateProgress(ctx, res.JobID, 50, "compressing_480p"))
	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, 0, job.Progress)
}

func TestRetryOnlyValidForFailedJobs(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	ok, err := c.Retry(ctx, res.JobID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, res.JobID, false, nil, "fatal", false))

	ok, err = c.Retry(ctx, res.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	job, err := c.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, StatePending, job.State)
	require.Equal(t, 0, job.Attempts)
}

func TestRemoveCancelsNonTerminalJob(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	ok, err := c.Remove(ctx, res.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.GetJob(ctx, res.JobID)
	require.ErrorIs(t, err, ErrNotFound)

	// removing again reports false
	ok, err = c.Remove(ctx, res.JobID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFinalizeAfterRemoveDiscardsRecord(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)

	ok, err := c.Remove(ctx, res.JobID)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Finalize(ctx, res.JobID, true, json.RawMessage(`{}`), "", false))
	_, err = c.GetJob(ctx, res.JobID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatsAndListRecent(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	for _, postID := range []int64{1, 2, 3} {
		sub := testSubmission()
		sub.PostID = postID
		_, err := c.Enqueue(ctx, sub)
		require.NoError(t, err)
		mock.Add(time.Millisecond)
	}

	job, err := c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, job.ID, true, json.RawMessage(`{}`), "", false))

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Pending)
	require.EqualValues(t, 0, stats.Processing)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 0, stats.Failed)

	recent, err := c.ListRecent(ctx, 100)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// newest first
	require.EqualValues(t, 3, recent[0].Submission.PostID)
}

func TestFIFOClaimOrder(t *testing.T) {
	c, mock := testClient(t)
	ctx := context.Background()

	var ids []string
	for _, postID := range []int64{10, 11, 12} {
		sub := testSubmission()
		sub.PostID = postID
		res, err := c.Enqueue(ctx, sub)
		require.NoError(t, err)
		ids = append(ids, res.JobID)
		mock.Add(time.Millisecond)
	}

	for _, want := range ids {
		job, err := c.ClaimNext(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, want, job.ID)
		require.NoError(t, c.Finalize(ctx, job.ID, true, json.RawMessage(`{}`), "", false))
	}
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	sub := c.Subscribe()
	defer sub.Close()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)
	_, err = c.ClaimNext(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, res.JobID, true, json.RawMessage(`{}`), "", false))

	var types []EventType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events():
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	require.Equal(t, []EventType{EventWaiting, EventActive, EventCompleted}, types)
}

func TestSubscriptionEachStopsOnCancel(t *testing.T) {
	c, _ := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub := c.Subscribe()
	defer sub.Close()

	seen := make(chan Event, 8)
	done := make(chan struct{})
	go func() {
		sub.Each(ctx, func(ev Event) { seen <- ev })
		close(done)
	}()

	_, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	select {
	case ev := <-seen:
		require.Equal(t, EventWaiting, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Each did not return on cancel")
	}
}

func TestGetJobByPost(t *testing.T) {
	c, _ := testClient(t)
	ctx := context.Background()

	res, err := c.Enqueue(ctx, testSubmission())
	require.NoError(t, err)

	job, err := c.GetJobByPost(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, res.JobID, job.ID)

	_, err = c.GetJobByPost(ctx, 999)
	require.ErrorIs(t, err, ErrNotFound)
}
