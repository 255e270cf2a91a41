package models

import "time"

// License states an account's subscription can be in. Only active and trial
// accounts may invoke generation.
const (
	// LicenseStatusActive marks a paid, current subscription.
	LicenseStatusActive = "active"
	// LicenseStatusTrial marks an account inside its trial window.
	LicenseStatusTrial = "trial"
	// LicenseStatusCancelled marks a cancelled subscription.
	LicenseStatusCancelled = "cancelled"
	// LicenseStatusExpired marks a lapsed subscription.
	LicenseStatusExpired = "expired"
	// LicenseStatusPastDue marks a subscription with failed payment.
	LicenseStatusPastDue = "past_due"
)

// Account represents a metered caller. The licensing/billing system owns the
// entitlement fields and pushes updates through the admin API; the gateway
// only reads them on the request path.
type Account struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID string `gorm:"type:text;not null;uniqueIndex"` // Opaque external account identifier.
	Name      string `gorm:"type:text"`                      // Display name.

	LicenseTier   string `gorm:"type:text;not null"`                      // License tier name.
	LicenseStatus string `gorm:"type:text;not null;default:trial;index"`  // Subscription state.
	CanGenerate   bool   `gorm:"column:can_generate;not null;default:true"` // Generation capability flag.

	UpstreamKey string `gorm:"type:text"` // Entitlement-issued upstream credential, when provisioned.

	Disabled bool `gorm:"not null;default:false"` // Administrative kill switch.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}
