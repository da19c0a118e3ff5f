package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	"campaign-referral-system/models"

	"gorm.io/gorm"
)

const (
	RegularCounterID = "position"
	KOLCounterID     = "kol_position"

	// DefaultRegularFloor: the regular lane counter starts here, so the
	// first auto-assigned signature position is floor+1.
	DefaultRegularFloor = 300

	// DefaultKOLCap: positions 1..cap are reserved for KOL identities.
	DefaultKOLCap = 75

	// A pathological skip-range config could chain jumps; bound the loop.
	maxJumpIterations = 16
)

// SkipRange reserves the closed interval [Start, End] for manual
// assignment. The allocator never hands out a value inside it — a counter
// value landing in the range is replaced by JumpTo.
type SkipRange struct {
	Start  int64
	End    int64
	JumpTo int64
}

// ParseSkipRanges parses "start-end:jumpTo,start-end:jumpTo,..." and
// validates that ranges are sorted ascending, non-overlapping, and jump
// past their own end. Empty input is a valid empty table.
func ParseSkipRanges(raw string) ([]SkipRange, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var ranges []SkipRange
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		bounds, jump, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("skip range %q: missing jump target", part)
		}
		lo, hi, ok := strings.Cut(bounds, "-")
		if !ok {
			return nil, fmt.Errorf("skip range %q: want start-end:jumpTo", part)
		}
		start, err := strconv.ParseInt(strings.TrimSpace(lo), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("skip range %q: bad start: %w", part, err)
		}
		end, err := strconv.ParseInt(strings.TrimSpace(hi), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("skip range %q: bad end: %w", part, err)
		}
		jumpTo, err := strconv.ParseInt(strings.TrimSpace(jump), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("skip range %q: bad jump target: %w", part, err)
		}
		if start < 1 || end < start {
			return nil, fmt.Errorf("skip range %q: invalid interval", part)
		}
		if jumpTo <= end {
			return nil, fmt.Errorf("skip range %q: jump target must be past end", part)
		}
		ranges = append(ranges, SkipRange{Start: start, End: end, JumpTo: jumpTo})
	}

	for i := 1; i < len(ranges); i++ {
		if ranges[i].Start <= ranges[i-1].End {
			return nil, fmt.Errorf("skip ranges must be sorted and non-overlapping (got %d-%d after %d-%d)",
				ranges[i].Start, ranges[i].End, ranges[i-1].Start, ranges[i-1].End)
		}
	}
	return ranges, nil
}

// CounterStore is the atomic counter primitive the allocator runs on.
// EnsureFloor and BumpTo only ever move a counter forward; Increment is
// an indivisible bump-and-return. The production store pushes all three
// into single Postgres statements.
type CounterStore interface {
	EnsureFloor(ctx context.Context, id string, floor int64) error
	Increment(ctx context.Context, id string) (int64, error)
	BumpTo(ctx context.Context, id string, target int64) error
}

// gormCounterStore implements CounterStore on the counters table.
type gormCounterStore struct {
	db *gorm.DB
}

func (s gormCounterStore) EnsureFloor(ctx context.Context, id string, floor int64) error {
	return s.db.WithContext(ctx).Exec(`
		INSERT INTO counters (id, sequence, updated_at)
		VALUES (?, ?, now())
		ON CONFLICT (id) DO UPDATE
		SET sequence = GREATEST(counters.sequence, EXCLUDED.sequence), updated_at = now()
	`, id, floor).Error
}

func (s gormCounterStore) Increment(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Raw(`
		UPDATE counters SET sequence = sequence + 1, updated_at = now()
		WHERE id = ? RETURNING sequence
	`, id).Scan(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", id, err)
	}
	if seq == 0 {
		return 0, fmt.Errorf("increment counter %s: counter row missing", id)
	}
	return seq, nil
}

func (s gormCounterStore) BumpTo(ctx context.Context, id string, target int64) error {
	return s.db.WithContext(ctx).Exec(`
		UPDATE counters SET sequence = GREATEST(sequence, ?), updated_at = now()
		WHERE id = ?
	`, target, id).Error
}

// PositionService hands out signature positions from two lanes:
// the regular lane (floor+1 upward, skip ranges honored) and the KOL lane
// (1..cap, reserved for notable users). All counter math is delegated to
// the store's atomic primitives — no app-level locking.
type PositionService struct {
	DB           *gorm.DB
	Store        CounterStore
	SkipRanges   []SkipRange
	RegularFloor int64
	KOLCap       int64
}

func NewPositionService(db *gorm.DB, skipRanges []SkipRange, regularFloor, kolCap int64) *PositionService {
	if regularFloor <= 0 {
		regularFloor = DefaultRegularFloor
	}
	if kolCap <= 0 {
		kolCap = DefaultKOLCap
	}
	return &PositionService{
		DB:           db,
		Store:        gormCounterStore{db: db},
		SkipRanges:   skipRanges,
		RegularFloor: regularFloor,
		KOLCap:       kolCap,
	}
}

// NextRegular allocates the next non-reserved regular-lane position.
//
// The counter lands in a skip range → park it just below the jump target
// and increment again, so this caller receives jumpTo and the next one
// jumpTo+1. Two callers racing through the same range both park it (the
// forward-only bump is a no-op for the loser) and each still gets a
// distinct value from the follow-up increment: positions can be wasted,
// never duplicated.
func (s *PositionService) NextRegular(ctx context.Context) (int64, error) {
	if err := s.Store.EnsureFloor(ctx, RegularCounterID, s.RegularFloor); err != nil {
		return 0, err
	}
	for i := 0; i < maxJumpIterations; i++ {
		seq, err := s.Store.Increment(ctx, RegularCounterID)
		if err != nil {
			return 0, err
		}
		if r, reserved := s.skipRangeFor(seq); reserved {
			if err := s.Store.BumpTo(ctx, RegularCounterID, r.JumpTo-1); err != nil {
				return 0, err
			}
			continue
		}
		return seq, nil
	}
	return 0, fmt.Errorf("regular lane: gave up after %d skip jumps — check POSITION_SKIP_RANGES", maxJumpIterations)
}

// NextKOL allocates from the reserved 1..cap lane. ErrKOLLaneFull signals
// the caller to fall back to the regular lane (and persist is_kol=false).
func (s *PositionService) NextKOL(ctx context.Context) (int64, error) {
	if err := s.Store.EnsureFloor(ctx, KOLCounterID, 0); err != nil {
		return 0, err
	}
	seq, err := s.Store.Increment(ctx, KOLCounterID)
	if err != nil {
		return 0, err
	}
	if seq > s.KOLCap {
		return 0, ErrKOLLaneFull
	}
	return seq, nil
}

// skipRangeFor returns the first range containing seq, scanning ascending.
func (s *PositionService) skipRangeFor(seq int64) (SkipRange, bool) {
	for _, r := range s.SkipRanges {
		if seq >= r.Start && seq <= r.End {
			return r, true
		}
		if seq < r.Start {
			break
		}
	}
	return SkipRange{}, false
}

// ReseedFromRecords is the disaster-recovery / migration path: scan the
// referral table for the max assigned position per lane and pull each
// counter up to it. Never moves a counter down, so it is safe to run on a
// schedule next to live allocation.
func (s *PositionService) ReseedFromRecords(ctx context.Context) error {
	var maxRegular, maxKOL int64
	db := s.DB.WithContext(ctx)

	if err := db.Raw(`SELECT COALESCE(MAX(position), 0) FROM referrals WHERE is_kol = false`).
		Scan(&maxRegular).Error; err != nil {
		return fmt.Errorf("reseed: scan regular positions: %w", err)
	}
	if err := db.Raw(`SELECT COALESCE(MAX(position), 0) FROM referrals WHERE is_kol = true`).
		Scan(&maxKOL).Error; err != nil {
		return fmt.Errorf("reseed: scan kol positions: %w", err)
	}

	if maxRegular > s.RegularFloor {
		if err := s.Store.EnsureFloor(ctx, RegularCounterID, maxRegular); err != nil {
			return err
		}
		log.Printf("🔢 [POSITIONS] regular counter reseeded to at least %d", maxRegular)
	}
	if maxKOL > 0 {
		if err := s.Store.EnsureFloor(ctx, KOLCounterID, maxKOL); err != nil {
			return err
		}
		log.Printf("🔢 [POSITIONS] kol counter reseeded to at least %d", maxKOL)
	}
	return nil
}

// Counters returns both lane counters, for the health/admin surface.
func (s *PositionService) Counters(ctx context.Context) ([]models.Counter, error) {
	var counters []models.Counter
	err := s.DB.WithContext(ctx).
		Where("id IN ?", []string{RegularCounterID, KOLCounterID}).
		Order("id").
		Find(&counters).Error
	return counters, err
}
