package gocredits

import "fmt"

// Default credit grants per paid plan.
const (
	DefaultSignupCredits = 1000
	DefaultBasicCredits  = 10000
	DefaultProCredits    = 20000
)

// PlanConfig describes a purchasable plan
type PlanConfig struct {
	// Credits is the grant applied when a user enters the plan
	Credits int
	// PriceID is the provider price that bills the plan
	PriceID string
}

// PlanCatalog is the single source of plan grants and prices. Checkout
// creation and reconciliation must share one instance so they agree on amounts.
type PlanCatalog struct {
	plans   map[Plan]PlanConfig
	byPrice map[string]Plan
}

// DefaultCatalog returns a catalog with the default grants and no prices
func DefaultCatalog() *PlanCatalog {
	c, _ := NewPlanCatalog(map[Plan]PlanConfig{
		PlanBasic: {Credits: DefaultBasicCredits},
		PlanPro:   {Credits: DefaultProCredits},
	})
	return c
}

// NewPlanCatalog validates plans and builds the reverse price index
func NewPlanCatalog(plans map[Plan]PlanConfig) (*PlanCatalog, error) {
	c := &PlanCatalog{
		plans:   make(map[Plan]PlanConfig, len(plans)),
		byPrice: make(map[string]Plan, len(plans)),
	}
	for plan, cfg := range plans {
		if !plan.Paid() {
			return nil, fmt.Errorf("%w: %q is not a paid plan", ErrInvalidPlan, plan)
		}
		if cfg.Credits <= 0 {
			return nil, fmt.Errorf("%w: plan %s grant must be positive", ErrInvalidAmount, plan)
		}
		if cfg.PriceID != "" {
			if other, dup := c.byPrice[cfg.PriceID]; dup {
				return nil, fmt.Errorf("price %s mapped to both %s and %s", cfg.PriceID, other, plan)
			}
			c.byPrice[cfg.PriceID] = plan
		}
		c.plans[plan] = cfg
	}
	return c, nil
}

// Credits returns the grant for a paid plan, 0 for anything else
func (c *PlanCatalog) Credits(plan Plan) int {
	return c.plans[plan].Credits
}

// PriceID returns the provider price for a plan
func (c *PlanCatalog) PriceID(plan Plan) (string, bool) {
	cfg, ok := c.plans[plan]
	if !ok || cfg.PriceID == "" {
		return "", false
	}
	return cfg.PriceID, true
}

// PlanForPrice resolves a provider price back to a plan
func (c *PlanCatalog) PlanForPrice(priceID string) (Plan, bool) {
	plan, ok := c.byPrice[priceID]
	return plan, ok
}

// Has reports whether the plan is purchasable
func (c *PlanCatalog) Has(plan Plan) bool {
	_, ok := c.plans[plan]
	return ok
}
