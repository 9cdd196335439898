package models

// Package tiers sold by the storefront, ranked low to high. The rank
// gates directory eligibility (tier_required <= rank) and drives claim
// ordering (higher tiers are served first).
const (
	TierStarter      = "starter"
	TierGrowth       = "growth"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

// TierRank returns the numeric rank of a package tier, or 0 for an
// unknown tier.
func TierRank(tier string) int {
	switch tier {
	case TierStarter:
		return 1
	case TierGrowth:
		return 2
	case TierProfessional:
		return 3
	case TierEnterprise:
		return 4
	}
	return 0
}

// ValidTier reports whether the tier name is one we sell.
func ValidTier(tier string) bool {
	return TierRank(tier) > 0
}
