package models

import (
	"time"

	"gorm.io/gorm"
)

// Referral is the per-identity campaign record: shareable code, inviter
// linkage, visit/referral counters and the assigned signature position.
// Created exactly once per identity — identity, referral_code and position
// are immutable after creation and each carries a unique index.
type Referral struct {
	ID           string  `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Identity     string  `gorm:"uniqueIndex;not null" json:"identity"`       // provider user id
	ReferralCode string  `gorm:"uniqueIndex;not null" json:"referral_code"`
	ReferredBy   *string `gorm:"index" json:"referred_by,omitempty"`         // inviter identity

	ReferralCount int64 `gorm:"not null;default:0" json:"referral_count"`
	LinkVisits    int64 `gorm:"not null;default:0" json:"link_visits"`

	Position int64 `gorm:"uniqueIndex;not null" json:"position"`
	IsKOL    bool  `gorm:"not null;default:false" json:"is_kol"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
