package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*JobQueue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewJobQueue(rdb, "referral"), mr
}

func TestJobIDForIdentityIsDeterministic(t *testing.T) {
	assert.Equal(t, "referral-12345", JobIDForIdentity("12345"))
}

func TestEnqueueAndGet(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345", Handle: "satoshi"}})
	require.NoError(t, err)
	assert.Equal(t, "referral-12345", id)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "satoshi", job.Payload.Profile.Handle)

	count, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEnqueueCollapsesDuplicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := ReferralJobPayload{Profile: SignInProfile{Identity: "12345", Handle: "satoshi"}}
	id1, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	count, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "duplicate submission must not add a second job")
}

func TestGetUnknownJobReturnsNil(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Get(context.Background(), "referral-nobody")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestDequeueMarksActiveAndCountsAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345", Handle: "satoshi"}})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, JobStateActive, job.State)
	assert.Equal(t, 1, job.Attempts)

	count, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestRetryLaterParksAndPromoteDueRequeues(t *testing.T) {
	q, _ := newTestQueue(t)
	q.backoffBase = time.Millisecond
	ctx := context.Background()

	_, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345", Handle: "satoshi"}})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.RetryLater(ctx, job.ID, "store unavailable", job.Attempts))

	parked, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStateWaiting, parked.State)
	assert.Equal(t, "store unavailable", parked.Error)
	assert.False(t, parked.NextRetryAt.IsZero())

	time.Sleep(5 * time.Millisecond)
	n, err := q.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345"}})
	require.NoError(t, err)
	id := JobIDForIdentity("12345")

	before := time.Now()
	require.NoError(t, q.RetryLater(ctx, id, "x", 3)) // 2s * 2^2 = 8s
	job, err := q.Get(ctx, id)
	require.NoError(t, err)

	delay := job.NextRetryAt.Sub(before)
	assert.InDelta(t, (8 * time.Second).Seconds(), delay.Seconds(), 1.0)
}

func TestCompleteIsTerminalWithRetention(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345"}})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, id))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStateCompleted, job.State)

	ttl := mr.TTL(q.jobKey(id))
	assert.Greater(t, ttl, time.Duration(0), "completed jobs expire after retention")

	mr.FastForward(2 * time.Hour)
	gone, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, gone, "retention purge removes the job")
}

func TestFailStoresReasonTerminally(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, ReferralJobPayload{Profile: SignInProfile{Identity: "12345"}})
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, "could not allocate unique code"))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStateFailed, job.State)
	assert.Equal(t, "could not allocate unique code", job.Error)
}

func TestEnqueueReArmsTerminalJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := ReferralJobPayload{Profile: SignInProfile{Identity: "12345"}}
	id, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, "boom"))

	id2, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, JobStateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, job.Error)
}

func TestUpdatePayloadPersistsAcrossReads(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := ReferralJobPayload{Profile: SignInProfile{Identity: "12345", Handle: "satoshi", FollowerCount: 100}}
	id, err := q.Enqueue(ctx, payload)
	require.NoError(t, err)

	payload.NewUserConfirmed = true
	require.NoError(t, q.UpdatePayload(ctx, id, payload))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, job.Payload.NewUserConfirmed)
	assert.Equal(t, "satoshi", job.Payload.Profile.Handle)
}

func TestDequeueTimesOutEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}
