package models

import (
	"time"

	"gorm.io/datatypes"
)

// GenerationLog records metering data for a single proxied generation call.
type GenerationLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64 `gorm:"not null;index"`            // Related account ID.
	Action    string `gorm:"type:text;not null;index"`  // Requested action (generate_text, generate_image).
	Model     string `gorm:"type:text;not null;index"`  // Model name used.

	RequestedAt time.Time `gorm:"not null;index"`         // Request timestamp.
	Failed      bool      `gorm:"not null;default:false"` // Failure flag.

	ErrorCode   string         `gorm:"type:text;index"` // Taxonomy code for failed requests.
	ErrorDetail datatypes.JSON `gorm:"type:jsonb"`      // Structured error detail JSON.

	CostUnits  int64 `gorm:"not null;default:0"` // Quota units charged.
	DurationMs int64 `gorm:"not null;default:0"` // End-to-end duration in milliseconds.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
