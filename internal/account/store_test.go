package account

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/writgo/aigateway/internal/models"
	"github.com/writgo/aigateway/internal/quota"
	"gorm.io/gorm"
)

func setupAccountDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:account_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.AutoMigrate(&models.Account{}, &models.APIKey{}); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}
	return db
}

func seedAccount(t *testing.T, db *gorm.DB, tier, status string, canGenerate bool) (models.Account, string) {
	t.Helper()
	acct := models.Account{
		AccountID:     fmt.Sprintf("acct-%s-%d", tier, time.Now().UnixNano()),
		LicenseTier:   tier,
		LicenseStatus: status,
		CanGenerate:   canGenerate,
	}
	if errCreate := db.Create(&acct).Error; errCreate != nil {
		t.Fatalf("create account: %v", errCreate)
	}
	token := fmt.Sprintf("wg_test_%d", time.Now().UnixNano())
	key := models.APIKey{AccountID: acct.ID, Name: "test", APIKey: token, Active: true}
	if errCreate := db.Create(&key).Error; errCreate != nil {
		t.Fatalf("create key: %v", errCreate)
	}
	return acct, token
}

func TestResolveValidKey(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	acct, token := seedAccount(t, db, "starter", models.LicenseStatusActive, true)

	resolved, errResolve := store.Resolve(context.Background(), token)
	if errResolve != nil {
		t.Fatalf("resolve: %v", errResolve)
	}
	if resolved.AccountID != acct.AccountID {
		t.Fatalf("expected account %s, got %s", acct.AccountID, resolved.AccountID)
	}
	if resolved.Tier != quota.TierStarter {
		t.Fatalf("expected starter tier, got %s", resolved.Tier)
	}
}

func TestResolveUnknownKeyIsUnauthenticated(t *testing.T) {
	store := NewStore(setupAccountDB(t))

	_, errResolve := store.Resolve(context.Background(), "wg_nope")
	if !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", errResolve)
	}
	if _, errEmpty := store.Resolve(context.Background(), ""); !errors.Is(errEmpty, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for empty token, got %v", errEmpty)
	}
}

func TestResolveRevokedKeyIsUnauthenticated(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	_, token := seedAccount(t, db, "starter", models.LicenseStatusActive, true)

	now := time.Now().UTC()
	if errUpdate := db.Model(&models.APIKey{}).Where("api_key = ?", token).
		Updates(map[string]any{"active": false, "revoked_at": &now}).Error; errUpdate != nil {
		t.Fatalf("revoke key: %v", errUpdate)
	}

	if _, errResolve := store.Resolve(context.Background(), token); !errors.Is(errResolve, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", errResolve)
	}
}

func TestResolveRejectsInactiveLicenseStates(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)

	for _, status := range []string{models.LicenseStatusCancelled, models.LicenseStatusExpired, models.LicenseStatusPastDue} {
		_, token := seedAccount(t, db, "professional", status, true)
		if _, errResolve := store.Resolve(context.Background(), token); !errors.Is(errResolve, ErrLicenseInvalid) {
			t.Fatalf("status %s: expected ErrLicenseInvalid, got %v", status, errResolve)
		}
	}

	_, trialToken := seedAccount(t, db, "professional", models.LicenseStatusTrial, true)
	if _, errResolve := store.Resolve(context.Background(), trialToken); errResolve != nil {
		t.Fatalf("trial should resolve: %v", errResolve)
	}
}

func TestResolveForbiddenWithoutCapability(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	_, token := seedAccount(t, db, "business", models.LicenseStatusActive, false)

	if _, errResolve := store.Resolve(context.Background(), token); !errors.Is(errResolve, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", errResolve)
	}
}

func TestResolveAdminBypassesLicenseChecks(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	_, token := seedAccount(t, db, "admin", models.LicenseStatusExpired, false)

	resolved, errResolve := store.Resolve(context.Background(), token)
	if errResolve != nil {
		t.Fatalf("resolve admin: %v", errResolve)
	}
	if resolved.Tier != quota.TierAdmin {
		t.Fatalf("expected admin tier, got %s", resolved.Tier)
	}
}

func TestResolveUnknownTierFailsClosed(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	_, token := seedAccount(t, db, "platinum", models.LicenseStatusActive, true)

	if _, errResolve := store.Resolve(context.Background(), token); errResolve == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestUpdateEntitlement(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)
	acct, _ := seedAccount(t, db, "trial", models.LicenseStatusTrial, true)

	if errUpdate := store.UpdateEntitlement(context.Background(), acct.AccountID, Entitlement{
		LicenseTier:   "business",
		LicenseStatus: models.LicenseStatusActive,
	}); errUpdate != nil {
		t.Fatalf("update entitlement: %v", errUpdate)
	}

	loaded, errGet := store.Get(context.Background(), acct.AccountID)
	if errGet != nil {
		t.Fatalf("get: %v", errGet)
	}
	if loaded.LicenseTier != "business" || loaded.LicenseStatus != models.LicenseStatusActive {
		t.Fatalf("entitlement not applied: %+v", loaded)
	}

	if errUpdate := store.UpdateEntitlement(context.Background(), acct.AccountID, Entitlement{LicenseTier: "gold"}); errUpdate == nil {
		t.Fatal("expected error for unknown tier push")
	}
	if errUpdate := store.UpdateEntitlement(context.Background(), "missing", Entitlement{LicenseTier: "starter"}); !errors.Is(errUpdate, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", errUpdate)
	}
}

func TestCreateIssuesKey(t *testing.T) {
	db := setupAccountDB(t)
	store := NewStore(db)

	acct, token, errCreate := store.Create(context.Background(), "acct-new", "New Account", "starter")
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if token == "" {
		t.Fatal("expected issued API key")
	}

	resolved, errResolve := store.Resolve(context.Background(), token)
	if errResolve != nil {
		t.Fatalf("resolve created account: %v", errResolve)
	}
	if resolved.ID != acct.ID {
		t.Fatalf("expected account %d, got %d", acct.ID, resolved.ID)
	}
}
