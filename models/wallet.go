package models

import "time"

// Wallet is the write-once wallet submission for an identity.
// There is no update or delete path — one row per identity, ever.
type Wallet struct {
	ID        string    `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	Identity  string    `gorm:"uniqueIndex;not null" json:"identity"`
	Address   string    `gorm:"type:varchar(128);not null" json:"address"`
	ChainType string    `gorm:"type:varchar(32);not null" json:"chain_type"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
