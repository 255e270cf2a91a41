package models

import "time"

// UsageRecord is the durable per-account usage counter. One row per account,
// created lazily on the first billed request. RequestCount only moves forward
// within a period and drops to zero exactly when the UTC day boundary passes
// PeriodStart.
type UsageRecord struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID uint64 `gorm:"not null;uniqueIndex"` // Owning account ID.

	RequestCount int64     `gorm:"not null;default:0"` // Consumption within the current period.
	PeriodStart  time.Time `gorm:"not null"`           // Start of the current accounting period (UTC).

	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (UsageRecord) TableName() string {
	return "usage_records"
}

// IdempotencyKey marks a ledger charge that already happened so the same
// logical request is never charged twice. Rows are swept once they age past
// the dedupe window.
type IdempotencyKey struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key       string `gorm:"type:text;not null;uniqueIndex"` // Caller-supplied idempotency key.
	AccountID uint64 `gorm:"not null;index"`                 // Account the charge belonged to.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Charge timestamp.
}
