package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"campaign-referral-system/models"
)

const (
	// DefaultPrimaryTimeout bounds the whole sign-in pipeline. Provider
	// callbacks are latency-sensitive — when the budget runs out we defer
	// to the queue instead of holding up the login redirect.
	DefaultPrimaryTimeout = 4 * time.Second

	// DefaultLookupTimeout bounds the secondary referral/wallet lookups
	// for returning users.
	DefaultLookupTimeout = 2 * time.Second

	DefaultMinFollowers = 50
)

// The pipeline depends on narrow store interfaces so the orchestration
// logic is testable without Postgres. Production wiring passes the
// concrete services; nothing else implements these.

// UserDirectory is the slice of the user store the pipeline needs.
type UserDirectory interface {
	FindOrCreate(ctx context.Context, profile SignInProfile) (*models.CampaignUser, bool, error)
	TouchLastLogin(ctx context.Context, identity string) error
}

// ReferralDirectory is the slice of the referral store the pipeline,
// worker and status poller need.
type ReferralDirectory interface {
	CreateForUser(ctx context.Context, identity, handle string, referredBy *string) (*models.Referral, error)
	FindByIdentity(ctx context.Context, identity string) (*models.Referral, error)
	FindByCode(ctx context.Context, code string) (*models.Referral, error)
}

// WalletDirectory is the read side of the wallet store.
type WalletDirectory interface {
	FindByIdentity(ctx context.Context, identity string) (*models.Wallet, error)
}

// JobEnqueuer is the submit side of the job queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, payload ReferralJobPayload) (string, error)
}

// SignupService runs the authentication-time pipeline: profile upsert,
// new-user gating, attribution consumption and referral creation — all
// under a deadline, with deferral to the job queue on timeout or error.
type SignupService struct {
	Users     UserDirectory
	Referrals ReferralDirectory
	Wallets   WalletDirectory
	Queue     JobEnqueuer

	MinFollowers   int64
	PrimaryTimeout time.Duration
	LookupTimeout  time.Duration
}

func NewSignupService(users UserDirectory, referrals ReferralDirectory, wallets WalletDirectory, queue JobEnqueuer, minFollowers int64) *SignupService {
	if minFollowers <= 0 {
		minFollowers = DefaultMinFollowers
	}
	return &SignupService{
		Users:          users,
		Referrals:      referrals,
		Wallets:        wallets,
		Queue:          queue,
		MinFollowers:   minFollowers,
		PrimaryTimeout: DefaultPrimaryTimeout,
		LookupTimeout:  DefaultLookupTimeout,
	}
}

// ProcessSignIn handles one provider callback. It never fails the sign-in:
// any error or deadline expiry downgrades the session to
// processing_deferred with the retry payload stashed, and the work is
// queued for the background worker.
//
// attribution may be nil (no referral cookie, or an invalid one — both
// mean "no referral"). attributionConsumed reports whether the cookie was
// spent and should be cleared by the caller.
func (s *SignupService) ProcessSignIn(ctx context.Context, profile SignInProfile, attribution *AttributionContext) (sess *Session, attributionConsumed bool) {
	cctx, cancel := context.WithTimeout(ctx, s.PrimaryTimeout)
	defer cancel()

	sess = &Session{
		Identity: profile.Identity,
		Handle:   profile.Handle,
		State:    SessionStateComplete,
	}

	referredByCode := ""
	if attribution != nil {
		referredByCode = attribution.ReferralCode
	}

	user, isNew, err := s.Users.FindOrCreate(cctx, profile)
	if err != nil {
		log.Printf("⚠️  [SIGNUP] user upsert failed for %s, deferring: %v", profile.Identity, err)
		// Newness is unknown here. Below the follower threshold no creation
		// may ever happen, so only defer the session hydration; otherwise
		// queue the job with newness unconfirmed — the retry paths re-run
		// the upsert and only create when it reports a first sign-in.
		if profile.FollowerCount < s.MinFollowers {
			s.deferHydration(sess)
		} else {
			s.deferProcessing(sess, profile, referredByCode, false)
		}
		return sess, false
	}
	sess.UserID = user.ID

	if !isNew {
		if err := s.Users.TouchLastLogin(cctx, profile.Identity); err != nil {
			log.Printf("⚠️  [SIGNUP] touch last login failed for %s: %v", profile.Identity, err)
		}
		// Returning user: nothing to create, just hydrate the session.
		lctx, lcancel := context.WithTimeout(ctx, s.LookupTimeout)
		defer lcancel()
		if err := s.hydrate(lctx, sess); err != nil {
			log.Printf("⚠️  [SIGNUP] session hydrate failed for %s, deferring: %v", profile.Identity, err)
			s.deferHydration(sess)
		}
		return sess, false
	}

	// Follower gate applies to new users only, and must run before any
	// position is consumed — a rejected signup never burns a number.
	if profile.FollowerCount < s.MinFollowers {
		sess.InsufficientFollowers = true
		log.Printf("ℹ️  [SIGNUP] %s below follower threshold (%d < %d) — no referral assigned",
			profile.Identity, profile.FollowerCount, s.MinFollowers)
		return sess, false
	}

	referredBy, err := s.resolveReferrer(cctx, profile.Identity, attribution)
	if err != nil {
		// The inviter's record could not be read. Creating now would drop
		// the attribution for good, so defer instead.
		log.Printf("⚠️  [SIGNUP] referrer lookup failed for %s, deferring: %v", profile.Identity, err)
		s.deferProcessing(sess, profile, referredByCode, true)
		return sess, false
	}
	rec, err := s.Referrals.CreateForUser(cctx, profile.Identity, profile.Handle, referredBy)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		log.Printf("⚠️  [SIGNUP] referral creation failed for %s, deferring: %v", profile.Identity, err)
		s.deferProcessing(sess, profile, referredByCode, true)
		return sess, false
	}
	s.applyRecord(sess, rec)
	return sess, attribution != nil
}

// RetryDeferred re-runs the pipeline once for a session stuck in
// processing_deferred. Called by the session middleware on each request
// carrying the marker.
//
// When the deferral happened before newness was established (the sign-in
// upsert itself failed), the retry re-runs FindOrCreate and only creates
// a record when it reports a first sign-in — a returning user who merely
// hit a transient upsert error must never gain a record here. The
// confirmed flag is set on the session before creation so a later retry
// of the same session does not re-derive newness against the user row
// this retry just created. ErrAlreadyExists from the store means the
// queue worker (or a racing request) already finished — treated as done.
func (s *SignupService) RetryDeferred(ctx context.Context, sess *Session) *Session {
	if sess.State != SessionStateDeferred {
		return sess
	}
	cctx, cancel := context.WithTimeout(ctx, s.PrimaryTimeout)
	defer cancel()

	// The record may already exist (worker won the race, or only the
	// session hydrate had failed).
	if rec, err := s.Referrals.FindByIdentity(cctx, sess.Identity); err == nil {
		s.applyRecord(sess, rec)
		s.hydrateWallet(cctx, sess)
		return sess
	} else if !errors.Is(err, ErrReferralNotFound) {
		return sess // store unavailable, stay deferred
	}

	if sess.Retry == nil {
		// Deferred without a creation payload: nothing left to create.
		s.hydrateWallet(cctx, sess)
		sess.State = SessionStateComplete
		return sess
	}

	if !sess.Retry.NewUserConfirmed {
		_, isNew, err := s.Users.FindOrCreate(cctx, sess.Retry.Profile)
		if err != nil {
			log.Printf("⚠️  [SIGNUP] deferred upsert still failing for %s: %v", sess.Identity, err)
			return sess
		}
		if !isNew {
			// Not a first sign-in after all — no record may ever be created.
			log.Printf("ℹ️  [SIGNUP] %s is a returning user, deferred creation dropped", sess.Identity)
			s.hydrateWallet(cctx, sess)
			sess.State = SessionStateComplete
			sess.Retry = nil
			return sess
		}
		if sess.Retry.Profile.FollowerCount < s.MinFollowers {
			sess.InsufficientFollowers = true
			sess.State = SessionStateComplete
			sess.Retry = nil
			return sess
		}
		sess.Retry.NewUserConfirmed = true
	}

	referredBy, err := s.resolveReferrerByCode(cctx, sess.Identity, sess.Retry.ReferredByCode)
	if err != nil {
		// Creating without the inviter would silently lose the attribution.
		log.Printf("⚠️  [SIGNUP] deferred referrer lookup failed for %s (staying deferred): %v", sess.Identity, err)
		return sess
	}
	rec, err := s.Referrals.CreateForUser(cctx, sess.Retry.Profile.Identity, sess.Retry.Profile.Handle, referredBy)
	if err != nil && !errors.Is(err, ErrAlreadyExists) {
		log.Printf("⚠️  [SIGNUP] deferred retry failed for %s (job still queued): %v", sess.Identity, err)
		return sess
	}
	s.applyRecord(sess, rec)
	s.hydrateWallet(cctx, sess)
	log.Printf("✅ [SIGNUP] deferred processing completed for %s on retry", sess.Identity)
	return sess
}

// deferHydration marks the session deferred without a creation payload:
// the next request only re-reads existing state, it never creates.
func (s *SignupService) deferHydration(sess *Session) {
	sess.State = SessionStateDeferred
	sess.Retry = nil
}

// deferProcessing flips the session state machine forward to deferred,
// stashes the retry payload and enqueues the background job. confirmed
// records whether this sign-in already established first-sign-in past
// the follower gate; when false the retry paths must re-derive it.
func (s *SignupService) deferProcessing(sess *Session, profile SignInProfile, referredByCode string, confirmed bool) {
	sess.State = SessionStateDeferred
	sess.Retry = &RetryPayload{
		Profile:          profile,
		ReferredByCode:   referredByCode,
		NewUserConfirmed: confirmed,
	}

	// Enqueue with a fresh short deadline — the request deadline may
	// already be blown, and the queue must still learn about the work.
	qctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := s.Queue.Enqueue(qctx, ReferralJobPayload{
		Profile:          profile,
		ReferredByCode:   referredByCode,
		NewUserConfirmed: confirmed,
	}); err != nil {
		// Next request's retry path still covers us.
		log.Printf("❌ [SIGNUP] failed to enqueue deferred job for %s: %v", profile.Identity, err)
	}
}

// resolveReferrer maps a valid attribution context to the inviter's
// identity. Self-referrals and dangling codes resolve to (nil, nil); a
// failed store read is an error, so callers defer instead of creating an
// unattributed record.
func (s *SignupService) resolveReferrer(ctx context.Context, identity string, attribution *AttributionContext) (*string, error) {
	if attribution == nil {
		return nil, nil
	}
	return s.resolveReferrerByCode(ctx, identity, attribution.ReferralCode)
}

func (s *SignupService) resolveReferrerByCode(ctx context.Context, identity, code string) (*string, error) {
	if code == "" {
		return nil, nil
	}
	referrer, err := s.Referrals.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrReferralNotFound) {
			return nil, nil // dangling code — proceed unattributed
		}
		return nil, fmt.Errorf("referrer lookup for code %s: %w", code, err)
	}
	if referrer.Identity == identity {
		return nil, nil
	}
	return &referrer.Identity, nil
}

// hydrate loads referral + wallet state into a returning user's session.
func (s *SignupService) hydrate(ctx context.Context, sess *Session) error {
	rec, err := s.Referrals.FindByIdentity(ctx, sess.Identity)
	if err != nil && !errors.Is(err, ErrReferralNotFound) {
		return err
	}
	if rec != nil {
		s.applyRecord(sess, rec)
	}
	s.hydrateWallet(ctx, sess)
	return nil
}

func (s *SignupService) hydrateWallet(ctx context.Context, sess *Session) {
	wallet, err := s.Wallets.FindByIdentity(ctx, sess.Identity)
	if err != nil {
		log.Printf("⚠️  [SIGNUP] wallet lookup failed for %s: %v", sess.Identity, err)
		return
	}
	if wallet != nil {
		sess.Wallet = &SessionWallet{Address: wallet.Address, ChainType: wallet.ChainType}
	}
}

func (s *SignupService) applyRecord(sess *Session, rec *models.Referral) {
	if rec == nil {
		return
	}
	sess.ReferralCode = rec.ReferralCode
	sess.Position = rec.Position
	sess.IsKOL = rec.IsKOL
	sess.State = SessionStateComplete
	sess.Retry = nil
}
