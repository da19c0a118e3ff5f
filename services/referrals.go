package services

import (
	"context"
	"errors"
	"fmt"
	"log"

	"campaign-referral-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const maxCodeAttempts = 10

// ReferralService owns the referral record store and the KOL-aware
// creation orchestration. Both the sign-in pipeline and the queue worker
// go through CreateForUser — there is deliberately no second copy of the
// "check KOL, pick lane, generate code, insert" sequence anywhere.
type ReferralService struct {
	DB        *gorm.DB
	Positions *PositionService
	KOL       *KOLIndex
	Codes     *CodeGenerator
}

func NewReferralService(db *gorm.DB, positions *PositionService, kol *KOLIndex, codes *CodeGenerator) *ReferralService {
	return &ReferralService{DB: db, Positions: positions, KOL: kol, Codes: codes}
}

func (s *ReferralService) FindByIdentity(ctx context.Context, identity string) (*models.Referral, error) {
	var rec models.Referral
	err := s.DB.WithContext(ctx).Where("identity = ?", identity).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReferralNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *ReferralService) FindByCode(ctx context.Context, code string) (*models.Referral, error) {
	var rec models.Referral
	err := s.DB.WithContext(ctx).Where("referral_code = ?", code).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReferralNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// IncrementReferralCount bumps the inviter's counter atomically in-place.
func (s *ReferralService) IncrementReferralCount(ctx context.Context, identity string) error {
	return s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("identity = ?", identity).
		UpdateColumn("referral_count", gorm.Expr("referral_count + 1")).Error
}

// IncrementLinkVisits bumps the visit counter for a shared link atomically.
func (s *ReferralService) IncrementLinkVisits(ctx context.Context, code string) error {
	return s.DB.WithContext(ctx).Model(&models.Referral{}).
		Where("referral_code = ?", code).
		UpdateColumn("link_visits", gorm.Expr("link_visits + 1")).Error
}

// CreateForUser runs the full creation orchestration for a first sign-in:
//
//  1. resolve KOL membership *before* touching any lane — overflow flips
//     both the lane and the persisted flag together
//  2. allocate a position (KOL lane 1..cap, else regular lane)
//  3. generate a collision-checked code and insert the record
//
// Returns ErrAlreadyExists when a record for the identity is already
// there — retry paths treat that as "already done", never as a failure.
func (s *ReferralService) CreateForUser(ctx context.Context, identity, handle string, referredBy *string) (*models.Referral, error) {
	// Cheap pre-check so an obvious repeat never burns a position.
	// The unique index remains the real guarantee under races.
	if existing, err := s.FindByIdentity(ctx, identity); err == nil {
		log.Printf("ℹ️  [REFERRAL] record already exists for %s (position %d)", identity, existing.Position)
		return existing, ErrAlreadyExists
	} else if !errors.Is(err, ErrReferralNotFound) {
		return nil, err
	}

	position, kolLane, err := s.allocatePosition(ctx, identity, handle)
	if err != nil {
		return nil, err
	}

	code, err := s.createUniqueCode(ctx, handle)
	if err != nil {
		return nil, err
	}

	rec := &models.Referral{
		ID:           uuid.NewString(),
		Identity:     identity,
		ReferralCode: code,
		ReferredBy:   referredBy,
		Position:     position,
		IsKOL:        kolLane, // the lane actually used, not the raw membership check
	}
	if err := s.DB.WithContext(ctx).Create(rec).Error; err != nil {
		if isDuplicateKey(err) {
			// Lost a race on identity — someone else finished first.
			if existing, ferr := s.FindByIdentity(ctx, identity); ferr == nil {
				return existing, ErrAlreadyExists
			}
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("create referral record: %w", err)
	}

	if referredBy != nil {
		// The new record stands even if this bump fails — a missed counter
		// is cosmetic, but it must be visible in the logs.
		if err := s.IncrementReferralCount(ctx, *referredBy); err != nil {
			log.Printf("❌ [REFERRAL] created %s but failed to bump referral_count for inviter %s: %v",
				identity, *referredBy, err)
		}
	}

	log.Printf("✅ [REFERRAL] created record for %s: position=%d code=%s kol=%t", identity, position, code, kolLane)
	return rec, nil
}

// allocatePosition resolves KOL membership first, then picks the lane.
// The returned flag is the lane actually used, not the raw membership
// check: overflow flips both the lane and the flag together.
func (s *ReferralService) allocatePosition(ctx context.Context, identity, handle string) (int64, bool, error) {
	if s.KOL.IsKOL(identity, handle) {
		pos, err := s.Positions.NextKOL(ctx)
		switch {
		case err == nil:
			return pos, true, nil
		case errors.Is(err, ErrKOLLaneFull):
			log.Printf("⚠️  [REFERRAL] kol lane full — %s falls back to regular lane", identity)
		default:
			return 0, false, err
		}
	}
	pos, err := s.Positions.NextRegular(ctx)
	return pos, false, err
}

// createUniqueCode retries generation until the code is unused, up to a
// fixed bound. Exhaustion is a hard 5xx-class failure — it means the code
// namespace is saturated or the store is misbehaving, and it is logged
// loudly for that reason.
func (s *ReferralService) createUniqueCode(ctx context.Context, handle string) (string, error) {
	for attempt := 1; attempt <= maxCodeAttempts; attempt++ {
		code, err := s.Codes.Generate(handle)
		if err != nil {
			return "", err
		}
		_, err = s.FindByCode(ctx, code)
		if errors.Is(err, ErrReferralNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
		log.Printf("⚠️  [REFERRAL] code collision on attempt %d/%d (%s)", attempt, maxCodeAttempts, code)
	}
	log.Printf("❌ [REFERRAL] exhausted %d code-generation attempts for handle %q", maxCodeAttempts, handle)
	return "", ErrCodeSpaceExhausted
}
