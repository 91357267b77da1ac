package governor

// Unlimited is the monthly-minutes value of a tier without a quota.
const Unlimited = -1

// Tier is one row of the subscription table.
type Tier struct {
	Name           string
	MonthlyMinutes int
	DisplayName    string
}

// Tier names.
const (
	TierFree       = "free"
	TierStarter    = "starter"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Tiers maps tier names to their monthly voice-minute quota.
var Tiers = map[string]Tier{
	TierFree:       {Name: TierFree, MonthlyMinutes: 5, DisplayName: "Free"},
	TierStarter:    {Name: TierStarter, MonthlyMinutes: 150, DisplayName: "Starter"},
	TierPremium:    {Name: TierPremium, MonthlyMinutes: 300, DisplayName: "Premium"},
	TierEnterprise: {Name: TierEnterprise, MonthlyMinutes: Unlimited, DisplayName: "Enterprise"},
}

// LookupTier returns the tier called name. Empty and unknown names resolve to
// the free tier.
func LookupTier(name string) Tier {
	if t, ok := Tiers[name]; ok {
		return t
	}
	return Tiers[TierFree]
}
