package services

import (
	"errors"

	"gorm.io/gorm"
)

// Shared error sentinels. Handlers map these to distinct HTTP outcomes:
// validation → 400, conflicts → 409, exhaustion → 503.
var (
	ErrAlreadyExists        = errors.New("referral record already exists for identity")
	ErrKOLLaneFull          = errors.New("kol lane exhausted")
	ErrCodeSpaceExhausted   = errors.New("could not allocate unique referral code")
	ErrInvalidCode          = errors.New("invalid referral code format")
	ErrReferralNotFound     = errors.New("referral record not found")
	ErrWalletExists         = errors.New("wallet already submitted for identity")
	ErrInvalidWalletAddress = errors.New("invalid wallet address for chain type")
)

// isDuplicateKey reports whether err is a unique-constraint violation.
// Requires gorm.Config{TranslateError: true} on the DB handle.
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
