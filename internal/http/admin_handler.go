package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/writgo/aigateway/internal/account"
	"github.com/writgo/aigateway/internal/config"
	"github.com/writgo/aigateway/internal/ledger"
	"github.com/writgo/aigateway/internal/models"
	"github.com/writgo/aigateway/internal/quota"
	"github.com/writgo/aigateway/internal/security"
	"github.com/writgo/aigateway/internal/settings"
	"gorm.io/gorm"
)

// AdminHandler serves the management API: operator login, account
// provisioning, entitlement pushes from the billing system, and settings.
type AdminHandler struct {
	db       *gorm.DB
	accounts *account.Store
	usage    ledger.Ledger
	policy   *quota.Policy
	authCfg  config.AuthConfig
}

// NewAdminHandler constructs an AdminHandler.
func NewAdminHandler(db *gorm.DB, accounts *account.Store, usage ledger.Ledger, policy *quota.Policy, authCfg config.AuthConfig) *AdminHandler {
	return &AdminHandler{db: db, accounts: accounts, usage: usage, policy: policy, authCfg: authCfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates an admin and issues a JWT.
func (h *AdminHandler) Login(c *gin.Context) {
	if strings.TrimSpace(h.authCfg.JWTSecret) == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin login is not configured"})
		return
	}

	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var admin models.Admin
	if errFind := h.db.WithContext(c.Request.Context()).Where("username = ?", username).First(&admin).Error; errFind != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	if !security.CheckPassword(admin.PasswordHash, password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, errToken := security.GenerateAdminToken(h.authCfg.JWTSecret, admin.ID, admin.Username, h.authCfg.TokenExpiry.Std())
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(h.authCfg.TokenExpiry.Std().Seconds()),
	})
}

// createAccountRequest defines the request body for account provisioning.
type createAccountRequest struct {
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Tier      string `json:"tier"`
}

// CreateAccount provisions an account and issues its API key. The plaintext
// key appears in this response only.
func (h *AdminHandler) CreateAccount(c *gin.Context) {
	var body createAccountRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.AccountID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}
	if strings.TrimSpace(body.Tier) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tier is required"})
		return
	}

	acct, plaintext, errCreate := h.accounts.Create(c.Request.Context(), body.AccountID, body.Name, body.Tier)
	if errCreate != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errCreate.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account_id": acct.AccountID,
		"tier":       acct.LicenseTier,
		"api_key":    plaintext,
	})
}

// entitlementRequest mirrors the billing system's entitlement push.
type entitlementRequest struct {
	LicenseTier   string  `json:"license_tier"`
	LicenseStatus string  `json:"license_status"`
	CanGenerate   *bool   `json:"can_generate"`
	UpstreamKey   *string `json:"upstream_key"`
	Disabled      *bool   `json:"disabled"`
}

// UpdateEntitlement applies a billing-side entitlement change to an account.
func (h *AdminHandler) UpdateEntitlement(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("account_id"))
	if accountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_id is required"})
		return
	}

	var body entitlementRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	errUpdate := h.accounts.UpdateEntitlement(c.Request.Context(), accountID, account.Entitlement{
		LicenseTier:   body.LicenseTier,
		LicenseStatus: body.LicenseStatus,
		CanGenerate:   body.CanGenerate,
		UpstreamKey:   body.UpstreamKey,
		Disabled:      body.Disabled,
	})
	switch {
	case errUpdate == nil:
		c.JSON(http.StatusOK, gin.H{"updated": true})
	case errors.Is(errUpdate, account.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": errUpdate.Error()})
	}
}

// AccountUsage reports the quota position of one account.
func (h *AdminHandler) AccountUsage(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("account_id"))
	acct, errGet := h.accounts.Get(c.Request.Context(), accountID)
	if errGet != nil {
		if errors.Is(errGet, account.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account lookup failed"})
		return
	}

	tier, errTier := quota.ParseTier(acct.LicenseTier)
	if errTier != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account has an unrecognized tier"})
		return
	}

	snap, errSnap := h.usage.Snapshot(c.Request.Context(), acct.ID)
	if errSnap != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage lookup failed"})
		return
	}

	decision := h.policy.Authorize(tier, snap, 0)
	c.JSON(http.StatusOK, gin.H{
		"account_id":         acct.AccountID,
		"tier":               acct.LicenseTier,
		"license_status":     acct.LicenseStatus,
		"requests_used":      snap.RequestCount,
		"requests_remaining": decision.Remaining,
		"daily_limit":        decision.Limit,
		"reset_at":           decision.ResetAt.UTC().Format(time.RFC3339),
	})
}

// GetSettings returns the current DB-backed settings snapshot.
func (h *AdminHandler) GetSettings(c *gin.Context) {
	values := map[string]json.RawMessage{}
	for _, key := range settings.DBConfigKeys() {
		if raw, ok := settings.DBConfigValue(key); ok {
			values[key] = raw
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"settings":   values,
		"updated_at": settings.DBConfigUpdatedAt().UTC().Format(time.RFC3339),
	})
}

// PutSettings upserts settings values and refreshes the snapshot.
func (h *AdminHandler) PutSettings(c *gin.Context) {
	var values map[string]json.RawMessage
	if errBind := c.ShouldBindJSON(&values); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(values) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no settings provided"})
		return
	}

	if errSave := settings.SaveDBConfig(c.Request.Context(), h.db, values); errSave != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errSave.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}
