package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	extErrors "github.com/pkg/errors"
)

var (
	// ErrUnknownTier means a Tier outside of the Catalog reached a lookup. This is a programming or deploy error
	ErrUnknownTier = errors.New("unknown tier")
	// ErrUnmappedPrice means the provider referenced a Price that no Plan in the Catalog sells
	ErrUnmappedPrice = errors.New("unmapped price")
)

type priceRef struct {
	tier     Tier
	interval Interval
}

// Catalog is the immutable mapping of Tier to Plan. Changes require a deploy
type Catalog struct {
	plans   map[Tier]Plan
	order   []Tier
	byPrice map[string]priceRef
}

// NewCatalog validates the plans and indexes them by Tier and by Stripe Price ID
func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{
		plans:   make(map[Tier]Plan),
		order:   make([]Tier, 0, len(plans)),
		byPrice: make(map[string]priceRef),
	}
	for _, p := range plans {
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("Plan %q has invalid tier %q", p.Name, p.Tier)
		}
		if _, ok := c.plans[p.Tier]; ok {
			return nil, fmt.Errorf("Duplicate plan for tier %s", p.Tier)
		}
		if p.AnalysesPerPeriod < Unlimited {
			return nil, fmt.Errorf("Plan %s has invalid analyses limit %d", p.Tier, p.AnalysesPerPeriod)
		}
		if p.Tier == TierFree && (p.Prices.Monthly != "" || p.Prices.Yearly != "") {
			return nil, fmt.Errorf("FREE plan cannot be sold with a price")
		}
		for interval, priceID := range map[Interval]string{
			IntervalMonthly: p.Prices.Monthly,
			IntervalYearly:  p.Prices.Yearly,
		} {
			if priceID == "" {
				continue
			}
			if existing, ok := c.byPrice[priceID]; ok {
				return nil, fmt.Errorf("Price %s is used by both %s and %s", priceID, existing.tier, p.Tier)
			}
			c.byPrice[priceID] = priceRef{tier: p.Tier, interval: interval}
		}
		c.plans[p.Tier] = p
		c.order = append(c.order, p.Tier)
	}
	if _, ok := c.plans[TierFree]; !ok {
		return nil, fmt.Errorf("Catalog requires a FREE plan")
	}
	return c, nil
}

// LoadFromFile reads the plan JSON file shipped with the deploy
func LoadFromFile(filename string) (*Catalog, error) {
	jsonBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot open plans JSON file")
	}
	plans := make([]Plan, 0, 3)
	if err := json.Unmarshal(jsonBytes, &plans); err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan JSON file")
	}
	c, err := NewCatalog(plans)
	if err != nil {
		return nil, extErrors.Wrap(err, "Invalid plan definitions")
	}
	return c, nil
}

// LimitsFor returns the quota and features of a Tier. It panics on a Tier the Catalog doesn't know,
// since every Tier stored or computed must come from the Catalog
func (c *Catalog) LimitsFor(tier Tier) Limits {
	p, ok := c.plans[tier]
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrUnknownTier, tier))
	}
	return p.limits()
}

// Lookup returns the Plan of a Tier
func (c *Catalog) Lookup(tier Tier) (Plan, bool) {
	p, ok := c.plans[tier]
	return p, ok
}

// Plans lists the Plans in the order they were defined
func (c *Catalog) Plans() []Plan {
	plans := make([]Plan, 0, len(c.order))
	for _, t := range c.order {
		plans = append(plans, c.plans[t])
	}
	return plans
}

// Resolve maps a Stripe Price ID back to the Tier and Interval it sells
func (c *Catalog) Resolve(priceID string) (Tier, Interval, error) {
	ref, ok := c.byPrice[priceID]
	if !ok {
		return "", IntervalNone, fmt.Errorf("%w: %q", ErrUnmappedPrice, priceID)
	}
	return ref.tier, ref.interval, nil
}

// PriceFor returns the Stripe Price ID to sell a Tier at the given Interval
func (c *Catalog) PriceFor(tier Tier, interval Interval) (string, error) {
	p, ok := c.plans[tier]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	var priceID string
	switch interval {
	case IntervalMonthly:
		priceID = p.Prices.Monthly
	case IntervalYearly:
		priceID = p.Prices.Yearly
	}
	if priceID == "" {
		return "", fmt.Errorf("Tier %s is not sold with interval %q", tier, interval)
	}
	return priceID, nil
}
