package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"campaign-referral-system/models"
	"campaign-referral-system/services"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUsers struct {
	isNew bool
	err   error
	calls int
}

func (s *stubUsers) FindOrCreate(_ context.Context, profile services.SignInProfile) (*models.CampaignUser, bool, error) {
	s.calls++
	if s.err != nil {
		return nil, false, s.err
	}
	return &models.CampaignUser{ID: "user-1", Identity: profile.Identity}, s.isNew, nil
}

func (s *stubUsers) TouchLastLogin(context.Context, string) error { return nil }

type stubReferrals struct {
	rec         *models.Referral
	createErr   error
	codeErr     error
	inviter     *models.Referral
	createCalls int
	referredBy  *string
}

func (s *stubReferrals) CreateForUser(_ context.Context, identity, handle string, referredBy *string) (*models.Referral, error) {
	s.createCalls++
	s.referredBy = referredBy
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.rec == nil {
		s.rec = &models.Referral{Identity: identity, ReferralCode: "CMPN-TESTY-a1B2c3D4", Position: 301}
	}
	return s.rec, nil
}

func (s *stubReferrals) FindByIdentity(context.Context, string) (*models.Referral, error) {
	if s.rec != nil {
		return s.rec, nil
	}
	return nil, services.ErrReferralNotFound
}

func (s *stubReferrals) FindByCode(context.Context, string) (*models.Referral, error) {
	if s.codeErr != nil {
		return nil, s.codeErr
	}
	if s.inviter != nil {
		return s.inviter, nil
	}
	return nil, services.ErrReferralNotFound
}

type workerFixture struct {
	queue     *services.JobQueue
	users     *stubUsers
	referrals *stubReferrals
	worker    *ReferralWorker
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := &workerFixture{
		queue:     services.NewJobQueue(rdb, "referral"),
		users:     &stubUsers{},
		referrals: &stubReferrals{},
	}
	positions := services.NewPositionService(nil, nil, 300, 75)
	f.worker = NewReferralWorker(f.queue, f.users, f.referrals, positions, 50)
	return f
}

// dequeueJob submits a payload and pulls it back as an active job, the
// way the consume loop hands work to process.
func (f *workerFixture) dequeueJob(t *testing.T, payload services.ReferralJobPayload) *services.Job {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, payload)
	require.NoError(t, err)
	job, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func (f *workerFixture) jobState(t *testing.T, id string) *services.Job {
	t.Helper()
	job, err := f.queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func profilePayload(followers int64) services.ReferralJobPayload {
	return services.ReferralJobPayload{
		Profile: services.SignInProfile{Identity: "12345", Handle: "satoshi", FollowerCount: followers},
	}
}

func TestProcessReturningUserNeverGainsRecord(t *testing.T) {
	// A returning user whose sign-in upsert failed transiently: the job
	// carries unconfirmed newness, the worker re-derives it and must not
	// create — even though the profile clears the follower threshold.
	f := newWorkerFixture(t)
	f.users.isNew = false

	job := f.dequeueJob(t, profilePayload(100))
	f.worker.process(job)

	assert.Equal(t, services.JobStateCompleted, f.jobState(t, job.ID).State)
	assert.Zero(t, f.referrals.createCalls, "only a first sign-in may create a record")
}

func TestProcessConfirmsNewnessAndCreates(t *testing.T) {
	f := newWorkerFixture(t)
	f.users.isNew = true

	job := f.dequeueJob(t, profilePayload(100))
	f.worker.process(job)

	stored := f.jobState(t, job.ID)
	assert.Equal(t, services.JobStateCompleted, stored.State)
	assert.Equal(t, 1, f.referrals.createCalls)
	assert.True(t, stored.Payload.NewUserConfirmed, "the newness decision must be persisted into the job")
}

func TestProcessBelowThresholdCompletesWithoutCreating(t *testing.T) {
	f := newWorkerFixture(t)
	f.users.isNew = true

	job := f.dequeueJob(t, profilePayload(10))
	f.worker.process(job)

	assert.Equal(t, services.JobStateCompleted, f.jobState(t, job.ID).State)
	assert.Zero(t, f.referrals.createCalls)
}

func TestProcessConfirmedPayloadSkipsRederivation(t *testing.T) {
	// A job whose newness was already established (at sign-in or by an
	// earlier attempt) must create directly — the user row exists by now,
	// so re-deriving would wrongly conclude "returning user".
	f := newWorkerFixture(t)
	f.users.isNew = false

	payload := profilePayload(100)
	payload.NewUserConfirmed = true
	job := f.dequeueJob(t, payload)
	f.worker.process(job)

	assert.Equal(t, services.JobStateCompleted, f.jobState(t, job.ID).State)
	assert.Zero(t, f.users.calls)
	assert.Equal(t, 1, f.referrals.createCalls)
}

func TestProcessExistingRecordCompletesJob(t *testing.T) {
	// The sign-in retry path (or a racing request) finished first: the
	// store reports the record as already there and the job just completes.
	f := newWorkerFixture(t)
	f.referrals.rec = &models.Referral{Identity: "12345", ReferralCode: "CMPN-TESTY-a1B2c3D4", Position: 301}
	f.referrals.createErr = services.ErrAlreadyExists

	payload := profilePayload(100)
	payload.NewUserConfirmed = true
	job := f.dequeueJob(t, payload)
	f.worker.process(job)

	assert.Equal(t, services.JobStateCompleted, f.jobState(t, job.ID).State)
}

func TestProcessTransientCreateFailureSchedulesRetry(t *testing.T) {
	f := newWorkerFixture(t)
	f.users.isNew = true
	f.referrals.createErr = errors.New("deadlock detected")

	job := f.dequeueJob(t, profilePayload(100))
	f.worker.process(job)

	stored := f.jobState(t, job.ID)
	assert.Equal(t, services.JobStateWaiting, stored.State)
	assert.Contains(t, stored.Error, "deadlock detected")
	assert.False(t, stored.NextRetryAt.IsZero())
	assert.True(t, stored.Payload.NewUserConfirmed,
		"the retry must not re-derive newness against the user row this attempt created")
}

func TestProcessReferrerLookupFailureRetriesWithAttributionIntact(t *testing.T) {
	f := newWorkerFixture(t)
	f.referrals.codeErr = errors.New("store unavailable")

	payload := profilePayload(100)
	payload.ReferredByCode = "CMPN-VITAL-x9Y8z7W6"
	payload.NewUserConfirmed = true
	job := f.dequeueJob(t, payload)
	f.worker.process(job)

	stored := f.jobState(t, job.ID)
	assert.Equal(t, services.JobStateWaiting, stored.State)
	assert.Zero(t, f.referrals.createCalls, "creating without the inviter would drop the attribution")
	assert.Equal(t, "CMPN-VITAL-x9Y8z7W6", stored.Payload.ReferredByCode)
}

func TestProcessResolvesReferrerOnRetry(t *testing.T) {
	f := newWorkerFixture(t)
	f.referrals.inviter = &models.Referral{Identity: "99999", ReferralCode: "CMPN-VITAL-x9Y8z7W6"}

	payload := profilePayload(100)
	payload.ReferredByCode = "CMPN-VITAL-x9Y8z7W6"
	payload.NewUserConfirmed = true
	job := f.dequeueJob(t, payload)
	f.worker.process(job)

	assert.Equal(t, services.JobStateCompleted, f.jobState(t, job.ID).State)
	require.NotNil(t, f.referrals.referredBy)
	assert.Equal(t, "99999", *f.referrals.referredBy)
}

func TestProcessPostconditionViolationIsRetryable(t *testing.T) {
	// A "successful" write below the reserved floor must not pass silently.
	f := newWorkerFixture(t)
	f.referrals.rec = &models.Referral{Identity: "12345", ReferralCode: "CMPN-TESTY-a1B2c3D4", Position: 100}

	payload := profilePayload(100)
	payload.NewUserConfirmed = true
	job := f.dequeueJob(t, payload)
	f.worker.process(job)

	stored := f.jobState(t, job.ID)
	assert.Equal(t, services.JobStateWaiting, stored.State)
	assert.Contains(t, stored.Error, "reserved floor")
}

func TestRetryOrFailTurnsTerminalAfterMaxAttempts(t *testing.T) {
	f := newWorkerFixture(t)

	job := f.dequeueJob(t, profilePayload(100))
	exhausted := *job
	exhausted.Attempts = f.queue.MaxAttempts()
	f.worker.retryOrFail(context.Background(), &exhausted, errors.New("store unavailable"))

	stored := f.jobState(t, job.ID)
	assert.Equal(t, services.JobStateFailed, stored.State)
	assert.Equal(t, "store unavailable", stored.Error)
}
