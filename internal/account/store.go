// Package account resolves callers to their entitlement. The licensing and
// billing system owns the entitlement data; this store reads it per request
// and accepts pushes through the admin surface.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/writgo/aigateway/internal/models"
	"github.com/writgo/aigateway/internal/quota"
	"github.com/writgo/aigateway/internal/security"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Resolution errors, ordered by the state machine stage they belong to.
var (
	// ErrUnauthenticated indicates the caller could not be identified.
	ErrUnauthenticated = errors.New("account: unauthenticated")
	// ErrForbidden indicates an identified caller without the generation capability.
	ErrForbidden = errors.New("account: generation not permitted")
	// ErrLicenseInvalid indicates the account's subscription is not active or trial.
	ErrLicenseInvalid = errors.New("account: license not valid")
)

// Account is the resolved caller identity plus entitlement.
type Account struct {
	ID          uint64
	AccountID   string
	Tier        quota.Tier
	UpstreamKey string
}

// Store reads and updates account entitlement.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store backed by GORM.
func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Resolve authenticates an API key and checks the account's entitlement.
// License validation is re-checked on every request; admin-tier accounts
// bypass it.
func (s *Store) Resolve(ctx context.Context, token string) (*Account, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("account: nil store")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrUnauthenticated
	}

	var key models.APIKey
	err := s.db.WithContext(ctx).
		Preload("Account").
		Where("api_key = ? AND active = ? AND revoked_at IS NULL", token, true).
		First(&key).Error
	switch {
	case err == nil:
	case errors.Is(err, gorm.ErrRecordNotFound):
		log.WithField("key", security.HideAPIKey(token)).Debug("account: unknown api key")
		return nil, ErrUnauthenticated
	default:
		return nil, fmt.Errorf("account: key lookup failed: %w", err)
	}
	if key.Account == nil || key.Account.Disabled {
		log.WithField("key", security.HideAPIKey(token)).Debug("account: key belongs to a disabled account")
		return nil, ErrUnauthenticated
	}

	acct := key.Account
	tier, errTier := quota.ParseTier(acct.LicenseTier)
	if errTier != nil {
		// Fail closed: an unrecognized tier is a configuration fault, not starter.
		return nil, fmt.Errorf("account %s: %w", acct.AccountID, errTier)
	}

	resolved := &Account{
		ID:          acct.ID,
		AccountID:   acct.AccountID,
		Tier:        tier,
		UpstreamKey: strings.TrimSpace(acct.UpstreamKey),
	}

	// Entitlement failures still return the identity: callers that only
	// report state (usage lookups) can distinguish "who" from "may generate".
	if tier != quota.TierAdmin {
		if !acct.CanGenerate {
			return resolved, ErrForbidden
		}
		switch acct.LicenseStatus {
		case models.LicenseStatusActive, models.LicenseStatusTrial:
		default:
			return resolved, ErrLicenseInvalid
		}
	}

	now := time.Now().UTC()
	if errTouch := s.db.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", key.ID).
		Update("last_used_at", &now).Error; errTouch != nil {
		log.WithError(errTouch).Debug("account: update last_used_at failed")
	}

	return resolved, nil
}

// Entitlement is the payload the billing system pushes for an account.
type Entitlement struct {
	LicenseTier   string
	LicenseStatus string
	CanGenerate   *bool
	UpstreamKey   *string
	Disabled      *bool
}

// ErrNotFound indicates the referenced account does not exist.
var ErrNotFound = errors.New("account: not found")

// UpdateEntitlement applies a push from the billing system to an account.
// The tier and status are validated before anything is written.
func (s *Store) UpdateEntitlement(ctx context.Context, accountID string, ent Entitlement) error {
	if s == nil || s.db == nil {
		return errors.New("account: nil store")
	}

	updates := map[string]any{}
	if tierName := strings.TrimSpace(ent.LicenseTier); tierName != "" {
		tier, errTier := quota.ParseTier(tierName)
		if errTier != nil {
			return errTier
		}
		updates["license_tier"] = string(tier)
	}
	if status := strings.TrimSpace(ent.LicenseStatus); status != "" {
		switch status {
		case models.LicenseStatusActive, models.LicenseStatusTrial,
			models.LicenseStatusCancelled, models.LicenseStatusExpired, models.LicenseStatusPastDue:
		default:
			return fmt.Errorf("account: unknown license status %q", status)
		}
		updates["license_status"] = status
	}
	if ent.CanGenerate != nil {
		updates["can_generate"] = *ent.CanGenerate
	}
	if ent.UpstreamKey != nil {
		updates["upstream_key"] = strings.TrimSpace(*ent.UpstreamKey)
	}
	if ent.Disabled != nil {
		updates["disabled"] = *ent.Disabled
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("account_id = ?", accountID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("account: update entitlement: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Create provisions an account with a freshly issued API key.
func (s *Store) Create(ctx context.Context, accountID, name, tierName string) (*models.Account, string, error) {
	if s == nil || s.db == nil {
		return nil, "", errors.New("account: nil store")
	}
	tier, errTier := quota.ParseTier(tierName)
	if errTier != nil {
		return nil, "", errTier
	}

	token, errKey := security.GenerateAPIKey()
	if errKey != nil {
		return nil, "", errKey
	}

	acct := models.Account{
		AccountID:     strings.TrimSpace(accountID),
		Name:          strings.TrimSpace(name),
		LicenseTier:   string(tier),
		LicenseStatus: models.LicenseStatusTrial,
		CanGenerate:   true,
	}
	if acct.AccountID == "" {
		return nil, "", fmt.Errorf("account: empty account id")
	}

	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&acct).Error; errCreate != nil {
			return fmt.Errorf("account: create: %w", errCreate)
		}
		key := models.APIKey{
			AccountID: acct.ID,
			Name:      "default",
			APIKey:    token,
			Active:    true,
		}
		if errCreate := tx.Create(&key).Error; errCreate != nil {
			return fmt.Errorf("account: create key: %w", errCreate)
		}
		return nil
	})
	if errTx != nil {
		return nil, "", errTx
	}
	return &acct, token, nil
}

// Get loads an account by its external identifier.
func (s *Store) Get(ctx context.Context, accountID string) (*models.Account, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("account: nil store")
	}
	var acct models.Account
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&acct).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("account: load: %w", err)
	}
	return &acct, nil
}
