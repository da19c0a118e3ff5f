package services

import (
	"context"
	"errors"
	"time"

	"campaign-referral-system/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SignInProfile is the opaque payload the identity provider callback
// yields, forwarded to us by the gateway.
type SignInProfile struct {
	Identity      string `json:"identity"`
	Handle        string `json:"handle"`
	DisplayName   string `json:"display_name"`
	AvatarURL     string `json:"avatar_url"`
	FollowerCount int64  `json:"follower_count"`
}

// UserService upserts the local profile snapshot. It deliberately knows
// nothing about referrals — new-user detection is its one load-bearing
// output, since referral creation happens only on first sign-in.
type UserService struct {
	DB *gorm.DB
}

func NewUserService(db *gorm.DB) *UserService {
	return &UserService{DB: db}
}

// FindOrCreate returns the user row for an identity, creating it on first
// sign-in. isNew reports whether this call created the row. Existing rows
// get their profile fields refreshed. Idempotent under races: a duplicate
// insert falls back to re-reading the winner's row.
func (s *UserService) FindOrCreate(ctx context.Context, profile SignInProfile) (*models.CampaignUser, bool, error) {
	db := s.DB.WithContext(ctx)

	var user models.CampaignUser
	err := db.Where("identity = ?", profile.Identity).First(&user).Error
	if err == nil {
		updates := map[string]any{
			"handle":         profile.Handle,
			"display_name":   profile.DisplayName,
			"follower_count": profile.FollowerCount,
		}
		if profile.AvatarURL != "" {
			updates["avatar_url"] = profile.AvatarURL
		}
		if err := db.Model(&user).Updates(updates).Error; err != nil {
			return nil, false, err
		}
		return &user, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	user = models.CampaignUser{
		ID:            uuid.NewString(),
		Identity:      profile.Identity,
		Handle:        profile.Handle,
		DisplayName:   profile.DisplayName,
		FollowerCount: profile.FollowerCount,
	}
	if profile.AvatarURL != "" {
		avatar := profile.AvatarURL
		user.AvatarURL = &avatar
	}
	if err := db.Create(&user).Error; err != nil {
		if isDuplicateKey(err) {
			// Concurrent first sign-in — the other request created it.
			var existing models.CampaignUser
			if ferr := db.Where("identity = ?", profile.Identity).First(&existing).Error; ferr == nil {
				return &existing, false, nil
			}
		}
		return nil, false, err
	}
	return &user, true, nil
}

// TouchLastLogin stamps the login time; failures are the caller's to log,
// never to propagate into the sign-in result.
func (s *UserService) TouchLastLogin(ctx context.Context, identity string) error {
	return s.DB.WithContext(ctx).Model(&models.CampaignUser{}).
		Where("identity = ?", identity).
		UpdateColumn("last_login_at", time.Now()).Error
}
