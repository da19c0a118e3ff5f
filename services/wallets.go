package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"campaign-referral-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	evmAddressPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	solanaAddressPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// ValidateWalletAddress checks the address shape for the given chain type.
func ValidateWalletAddress(chainType, address string) error {
	switch strings.ToLower(strings.TrimSpace(chainType)) {
	case "evm", "ethereum", "eth":
		if !evmAddressPattern.MatchString(address) {
			return ErrInvalidWalletAddress
		}
	case "solana", "sol":
		if !solanaAddressPattern.MatchString(address) {
			return ErrInvalidWalletAddress
		}
	default:
		return fmt.Errorf("%w: unsupported chain type %q", ErrInvalidWalletAddress, chainType)
	}
	return nil
}

// WalletService stores the one write-once wallet submission per identity.
type WalletService struct {
	DB *gorm.DB
}

func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{DB: db}
}

// Create inserts the wallet for an identity. A second submission — even a
// concurrent one — surfaces as ErrWalletExists, never an overwrite.
func (s *WalletService) Create(ctx context.Context, identity, address, chainType string) (*models.Wallet, error) {
	if err := ValidateWalletAddress(chainType, address); err != nil {
		return nil, err
	}

	wallet := &models.Wallet{
		ID:        uuid.NewString(),
		Identity:  identity,
		Address:   address,
		ChainType: strings.ToLower(strings.TrimSpace(chainType)),
	}
	if err := s.DB.WithContext(ctx).Create(wallet).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, ErrWalletExists
		}
		return nil, err
	}
	return wallet, nil
}

func (s *WalletService) FindByIdentity(ctx context.Context, identity string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.DB.WithContext(ctx).Where("identity = ?", identity).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}
