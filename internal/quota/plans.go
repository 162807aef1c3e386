package quota

import (
	"sort"
	"strings"

	"tablechat/internal/domain"
)

const (
	PlanTrial      = "trial"
	PlanStarter    = "starter"
	PlanGrowth     = "growth"
	PlanEnterprise = "enterprise"
)

var builtinPlans = map[string]domain.Plan{
	PlanTrial:      {ID: PlanTrial, MonthlyLimit: 50},
	PlanStarter:    {ID: PlanStarter, MonthlyLimit: 1000},
	PlanGrowth:     {ID: PlanGrowth, MonthlyLimit: 5000},
	PlanEnterprise: {ID: PlanEnterprise, Unlimited: true},
}

// Catalog resolves plan identifiers to monthly caps.
type Catalog struct {
	plans    map[string]domain.Plan
	fallback string
}

// NewCatalog returns the built-in plans. Unknown identifiers resolve to
// defaultPlan, or to starter when defaultPlan is itself unknown.
func NewCatalog(defaultPlan string) Catalog {
	defaultPlan = strings.ToLower(strings.TrimSpace(defaultPlan))
	if _, ok := builtinPlans[defaultPlan]; !ok {
		defaultPlan = PlanStarter
	}
	return Catalog{plans: builtinPlans, fallback: defaultPlan}
}

// Resolve returns the plan for id.
func (c Catalog) Resolve(id string) domain.Plan {
	if p, ok := c.plans[strings.ToLower(strings.TrimSpace(id))]; ok {
		return p
	}
	return c.plans[c.fallback]
}

// IDs lists the known plan identifiers in order.
func (c Catalog) IDs() []string {
	ids := make([]string, 0, len(c.plans))
	for id := range c.plans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
