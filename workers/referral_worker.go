package workers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"campaign-referral-system/services"

	"github.com/alitto/pond/v2"
	"golang.org/x/time/rate"
)

const (
	defaultConcurrency = 5
	defaultRatePerSec  = 10
	jobTimeout         = 30 * time.Second
	promoteInterval    = time.Second
)

// ReferralWorker consumes deferred referral-creation jobs: bounded
// concurrency via a pond pool, a global rate limit, exponential backoff
// on failure (the queue owns the schedule), and a postcondition check so
// a logically corrupt allocation becomes a retryable failure instead of a
// silently stored bad record.
type ReferralWorker struct {
	Queue     *services.JobQueue
	Users     services.UserDirectory
	Referrals services.ReferralDirectory
	Positions *services.PositionService

	MinFollowers int64

	pool    pond.Pool
	limiter *rate.Limiter
}

func NewReferralWorker(queue *services.JobQueue, users services.UserDirectory, referrals services.ReferralDirectory, positions *services.PositionService, minFollowers int64) *ReferralWorker {
	if minFollowers <= 0 {
		minFollowers = services.DefaultMinFollowers
	}
	return &ReferralWorker{
		Queue:        queue,
		Users:        users,
		Referrals:    referrals,
		Positions:    positions,
		MinFollowers: minFollowers,
		pool:         pond.NewPool(defaultConcurrency),
		limiter:      rate.NewLimiter(rate.Limit(defaultRatePerSec), 1),
	}
}

// Start runs the consume loop until ctx is cancelled, then drains the
// pool. Intended to run as `go worker.Start(ctx)` from main.
func (w *ReferralWorker) Start(ctx context.Context) {
	log.Println("Starting referral worker...")
	promote := time.NewTicker(promoteInterval)
	defer promote.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Referral worker draining...")
			w.pool.StopAndWait()
			log.Println("Referral worker stopped.")
			return
		case <-promote.C:
			if n, err := w.Queue.PromoteDue(ctx); err != nil {
				log.Printf("⚠️  [WORKER] promote delayed jobs: %v", err)
			} else if n > 0 {
				log.Printf("⏫ [WORKER] promoted %d delayed job(s)", n)
			}
		default:
		}

		job, err := w.Queue.Dequeue(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Printf("❌ [WORKER] dequeue error: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		if err := w.limiter.Wait(ctx); err != nil {
			continue // shutting down
		}

		j := job
		w.pool.Submit(func() {
			w.process(j)
		})
	}
}

// process runs one job attempt end to end — the whole pipeline, not just
// the creation step. When the sign-in upsert never finished, newness is
// unknown: the attempt re-runs FindOrCreate and only creates when it
// reports a first sign-in, so a returning user whose sign-in hit a
// transient error never gains a record. The decision is persisted into
// the job payload before creation; a later attempt must read it rather
// than re-derive newness against the user row this attempt created.
func (w *ReferralWorker) process(job *services.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	payload := job.Payload
	if !payload.NewUserConfirmed {
		_, isNew, err := w.Users.FindOrCreate(ctx, payload.Profile)
		if err != nil {
			w.retryOrFail(ctx, job, fmt.Errorf("user upsert: %w", err))
			return
		}
		if !isNew {
			log.Printf("ℹ️  [WORKER] %s: returning user — nothing to create", job.ID)
			w.complete(ctx, job)
			return
		}
		if payload.Profile.FollowerCount < w.MinFollowers {
			log.Printf("ℹ️  [WORKER] %s: below follower threshold (%d < %d) — no referral assigned",
				job.ID, payload.Profile.FollowerCount, w.MinFollowers)
			w.complete(ctx, job)
			return
		}
		payload.NewUserConfirmed = true
		if err := w.Queue.UpdatePayload(ctx, job.ID, payload); err != nil {
			w.retryOrFail(ctx, job, fmt.Errorf("persist newness decision: %w", err))
			return
		}
	}

	referredBy, err := w.resolveReferrer(ctx, payload)
	if err != nil {
		// Creating now would permanently drop the attribution.
		w.retryOrFail(ctx, job, err)
		return
	}
	rec, err := w.Referrals.CreateForUser(ctx, payload.Profile.Identity, payload.Profile.Handle, referredBy)
	if err != nil && !errors.Is(err, services.ErrAlreadyExists) {
		w.retryOrFail(ctx, job, err)
		return
	}

	// Postcondition: the assigned position must sit in its lane's valid
	// band. A violation is a failure even though the write "succeeded".
	if rec != nil {
		if perr := w.checkPostcondition(rec.Position, rec.IsKOL); perr != nil {
			log.Printf("❌ [WORKER] postcondition violated for %s: %v", job.ID, perr)
			w.retryOrFail(ctx, job, perr)
			return
		}
	}

	w.complete(ctx, job)
	log.Printf("✅ [WORKER] %s completed (attempt %d)", job.ID, job.Attempts)
}

func (w *ReferralWorker) complete(ctx context.Context, job *services.Job) {
	if err := w.Queue.Complete(ctx, job.ID); err != nil {
		log.Printf("⚠️  [WORKER] could not mark %s completed: %v", job.ID, err)
	}
}

func (w *ReferralWorker) checkPostcondition(position int64, isKOL bool) error {
	if isKOL {
		if position < 1 || position > w.Positions.KOLCap {
			return fmt.Errorf("kol position %d outside reserved band 1..%d", position, w.Positions.KOLCap)
		}
		return nil
	}
	if position <= w.Positions.RegularFloor {
		return fmt.Errorf("regular position %d at or below reserved floor %d", position, w.Positions.RegularFloor)
	}
	return nil
}

// resolveReferrer maps the stored code to the inviter's identity.
// Dangling codes and self-referrals resolve to (nil, nil); a failed store
// read is an error so the attempt is retried with attribution intact.
func (w *ReferralWorker) resolveReferrer(ctx context.Context, payload services.ReferralJobPayload) (*string, error) {
	if payload.ReferredByCode == "" {
		return nil, nil
	}
	referrer, err := w.Referrals.FindByCode(ctx, payload.ReferredByCode)
	if err != nil {
		if errors.Is(err, services.ErrReferralNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("referrer lookup for code %s: %w", payload.ReferredByCode, err)
	}
	if referrer.Identity == payload.Profile.Identity {
		return nil, nil
	}
	return &referrer.Identity, nil
}

func (w *ReferralWorker) retryOrFail(ctx context.Context, job *services.Job, cause error) {
	if job.Attempts >= w.Queue.MaxAttempts() {
		if err := w.Queue.Fail(ctx, job.ID, cause.Error()); err != nil {
			log.Printf("❌ [WORKER] could not mark %s failed: %v", job.ID, err)
		}
		return
	}
	if err := w.Queue.RetryLater(ctx, job.ID, cause.Error(), job.Attempts); err != nil {
		log.Printf("❌ [WORKER] could not schedule retry for %s: %v", job.ID, err)
	}
}
