package plan

// Tier is the subscription level a customer pays for
type Tier string

// Defining the tiers offered for purchase
const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// Valid reports whether t is one of the known tiers
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Interval is the billing frequency of a paid Plan. Values match Stripe's recurring interval
type Interval string

// Defining billing intervals. IntervalNone is used by the FREE tier
const (
	IntervalNone    Interval = ""
	IntervalMonthly Interval = "month"
	IntervalYearly  Interval = "year"
)

// Unlimited is the sentinel quota for tiers without an analyses cap
const Unlimited int64 = -1

// Prices holds the Stripe Price IDs a Plan can be purchased with
type Prices struct {
	Monthly string `json:"monthly"` // Corresponds to Stripe's PriceID billed monthly
	Yearly  string `json:"yearly"`  // Corresponds to Stripe's PriceID billed yearly
}

// Plan describes what a Tier costs and what it grants. This corresponds to Stripe's "Product"
type Plan struct {
	Tier              Tier            `json:"tier"`
	Name              string          `json:"name"`              // Represent the name shown to the customer
	Description       string          `json:"description"`       // Shown to the customer
	MonthlyPriceCents int64           `json:"monthlyPriceCents"` // Price in cents when billed monthly
	YearlyPriceCents  int64           `json:"yearlyPriceCents"`  // Price in cents when billed yearly
	AnalysesPerPeriod int64           `json:"analysesPerPeriod"` // Analyses allowed per calendar month. Unlimited (-1) for no cap
	TrialDays         int64           `json:"trialDays"`         // Trial window granted on first checkout. 0 for none
	Features          map[string]bool `json:"features"`          // Feature flags (e.g. {"privateRepos": true})
	Prices            Prices          `json:"prices"`
}

// Limits is what the entitlement checks need to know about a Tier
type Limits struct {
	AnalysesPerPeriod int64
	Features          map[string]bool
}

// IsUnlimited reports whether the analyses quota is unbounded
func (l Limits) IsUnlimited() bool {
	return l.AnalysesPerPeriod == Unlimited
}

// Allows reports whether consumed analyses are still under the quota
func (l Limits) Allows(consumed int64) bool {
	return l.IsUnlimited() || consumed < l.AnalysesPerPeriod
}

// HasFeature reports whether the feature flag is enabled
func (l Limits) HasFeature(name string) bool {
	return l.Features[name]
}

func (p Plan) limits() Limits {
	features := make(map[string]bool, len(p.Features))
	for k, v := range p.Features {
		features[k] = v
	}
	return Limits{
		AnalysesPerPeriod: p.AnalysesPerPeriod,
		Features:          features,
	}
}

// DefaultPlans is the catalog used in development when no plan file is configured
func DefaultPlans() []Plan {
	return []Plan{
		{
			Tier:              TierFree,
			Name:              "Free",
			Description:       "10 pull request analyses per month on public repositories",
			AnalysesPerPeriod: 10,
			Features: map[string]bool{
				"privateRepos": false,
				"customRules":  false,
			},
		},
		{
			Tier:              TierPro,
			Name:              "Pro",
			Description:       "200 pull request analyses per month, private repositories included",
			MonthlyPriceCents: 1900,
			YearlyPriceCents:  19000,
			AnalysesPerPeriod: 200,
			TrialDays:         14,
			Features: map[string]bool{
				"privateRepos": true,
				"customRules":  false,
			},
			Prices: Prices{
				Monthly: "price_pro_monthly",
				Yearly:  "price_pro_yearly",
			},
		},
		{
			Tier:              TierEnterprise,
			Name:              "Enterprise",
			Description:       "Unlimited analyses with custom rules",
			MonthlyPriceCents: 9900,
			YearlyPriceCents:  99000,
			AnalysesPerPeriod: Unlimited,
			Features: map[string]bool{
				"privateRepos": true,
				"customRules":  true,
			},
			Prices: Prices{
				Monthly: "price_enterprise_monthly",
				Yearly:  "price_enterprise_yearly",
			},
		},
	}
}
