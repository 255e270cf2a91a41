// Package quota decides whether an account may consume against its tier
// limit. The policy is pure: entitlement and ledger state go in, an allow or
// deny decision comes out.
package quota

import (
	"fmt"
	"strings"
)

// Tier is an account's license tier.
type Tier string

// Known license tiers.
const (
	TierTrial        Tier = "trial"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierBusiness     Tier = "business"
	TierEnterprise   Tier = "enterprise"
	// TierAdmin is the operator escape hatch: unlimited, license checks skipped.
	TierAdmin Tier = "admin"
)

// MeteredTiers are the tiers that must carry a limit in configuration.
// TierAdmin is excluded: it is always unlimited.
var MeteredTiers = []Tier{TierTrial, TierStarter, TierProfessional, TierBusiness, TierEnterprise}

// ParseTier maps a tier name to a Tier. Unknown names are rejected rather
// than silently falling back to a default tier.
func ParseTier(name string) (Tier, error) {
	switch Tier(strings.ToLower(strings.TrimSpace(name))) {
	case TierTrial:
		return TierTrial, nil
	case TierStarter:
		return TierStarter, nil
	case TierProfessional:
		return TierProfessional, nil
	case TierBusiness:
		return TierBusiness, nil
	case TierEnterprise:
		return TierEnterprise, nil
	case TierAdmin:
		return TierAdmin, nil
	default:
		return "", fmt.Errorf("quota: unknown license tier %q", name)
	}
}
