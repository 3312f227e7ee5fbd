package quota

import "github.com/PortNumber53/crosspost/internal/models"

// Unlimited marks a tier with no post cap.
const Unlimited = -1

var tierLimits = map[models.Tier]int{
	models.TierBasic:    5,
	models.TierStandard: 15,
	models.TierPremium:  Unlimited,
}

// Limit returns the per-period post limit for tier. ok is false for unknown tiers.
func Limit(tier models.Tier) (limit int, ok bool) {
	limit, ok = tierLimits[tier]
	return limit, ok
}

// Allow reports whether a user on tier who already used `used` posts this period
// may create another one. The limit is exclusive: having used exactly the limit denies.
// Unknown tiers are denied.
func Allow(tier models.Tier, used int) bool {
	limit, ok := tierLimits[tier]
	if !ok {
		return false
	}
	if limit == Unlimited {
		return true
	}
	return used < limit
}

// Remaining returns how many posts are left in the period, or Unlimited.
func Remaining(tier models.Tier, used int) int {
	limit, ok := tierLimits[tier]
	if !ok {
		return 0
	}
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
