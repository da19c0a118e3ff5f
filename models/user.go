package models

import "time"

// CampaignUser is the local profile snapshot for a signed-in identity.
// Populated from the identity provider callback on every sign-in;
// only profile fields and last_login_at are refreshed after creation.
type CampaignUser struct {
	ID            string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Identity      string  `gorm:"uniqueIndex;not null" json:"identity"` // provider user id
	Handle        string  `gorm:"index" json:"handle"`
	DisplayName   string  `json:"display_name"`
	AvatarURL     *string `json:"avatar_url,omitempty"`
	FollowerCount int64   `gorm:"not null;default:0" json:"follower_count"`

	LastLoginAt *time.Time `json:"last_login_at,omitempty"`

	Timestamps
}
