package models

import "time"

// Counter is a named, atomically incremented sequence.
// One row per allocation lane ("position", "kol_position").
// Sequence only ever moves forward; all updates go through raw
// single-statement SQL in the position service, never read-modify-write.
type Counter struct {
	ID        string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Sequence  int64     `gorm:"not null;default:0" json:"sequence"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
