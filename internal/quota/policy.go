package quota

import (
	"fmt"
	"time"

	"github.com/writgo/aigateway/internal/ledger"
)

// Accounting modes.
const (
	// ModeRequests charges every action one unit.
	ModeRequests = "requests"
	// ModeCredits charges each action its configured weight.
	ModeCredits = "credits"
)

// Unlimited is the limit reported for tiers without a cap.
const Unlimited int64 = -1

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed   bool
	Limit     int64 // Unlimited for admin.
	Remaining int64 // Unlimited for admin; never negative otherwise.
	ResetAt   time.Time
}

// Policy maps (tier, ledger state, requested cost) to a Decision. Immutable
// after construction; validated at startup so an unrecognized tier or missing
// limit is a configuration error, not a runtime fallback.
type Policy struct {
	mode   string
	limits map[Tier]int64
	costs  map[string]int64
}

// NewPolicy builds a Policy from the tier limit table and, in credit mode,
// per-action costs.
func NewPolicy(mode string, limits map[string]int64, costs map[string]int64) (*Policy, error) {
	switch mode {
	case ModeRequests, ModeCredits:
	default:
		return nil, fmt.Errorf("quota: unknown accounting mode %q", mode)
	}

	parsed := make(map[Tier]int64, len(limits))
	for name, limit := range limits {
		tier, errParse := ParseTier(name)
		if errParse != nil {
			return nil, errParse
		}
		if tier == TierAdmin {
			// Admin is unconditionally unlimited; a configured limit is a mistake.
			return nil, fmt.Errorf("quota: tier %q must not carry a limit", TierAdmin)
		}
		if limit <= 0 {
			return nil, fmt.Errorf("quota: tier %q limit must be positive, got %d", name, limit)
		}
		parsed[tier] = limit
	}
	for _, tier := range MeteredTiers {
		if _, ok := parsed[tier]; !ok {
			return nil, fmt.Errorf("quota: tier %q has no configured limit", tier)
		}
	}

	p := &Policy{mode: mode, limits: parsed, costs: map[string]int64{}}
	if mode == ModeCredits {
		if len(costs) == 0 {
			return nil, fmt.Errorf("quota: credit mode requires per-action costs")
		}
		for action, cost := range costs {
			if cost <= 0 {
				return nil, fmt.Errorf("quota: action %q cost must be positive, got %d", action, cost)
			}
			p.costs[action] = cost
		}
	}
	return p, nil
}

// Limit returns the per-period limit for a tier.
func (p *Policy) Limit(tier Tier) int64 {
	if tier == TierAdmin {
		return Unlimited
	}
	return p.limits[tier]
}

// Cost returns the quota units one call to the given action consumes.
func (p *Policy) Cost(action string) (int64, error) {
	if p.mode == ModeRequests {
		return 1, nil
	}
	cost, ok := p.costs[action]
	if !ok {
		return 0, fmt.Errorf("quota: no cost configured for action %q", action)
	}
	return cost, nil
}

// Authorize decides whether usage plus the requested cost fits the tier
// limit. Pure: no clock reads, no storage access.
func (p *Policy) Authorize(tier Tier, usage ledger.Snapshot, cost int64) Decision {
	resetAt := ledger.NextReset(usage.PeriodStart)
	if tier == TierAdmin {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited, ResetAt: resetAt}
	}

	limit := p.limits[tier]
	remaining := limit - usage.RequestCount
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   usage.RequestCount+cost <= limit,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
