package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CostCode is one entry of the reference cost database (RSMeans or an
// internal book). Every unit cost is optional.
type CostCode struct {
	ID               uuid.UUID
	Code             string
	Description      string
	UnitOfMeasure    string
	SourceDatabase   string
	UnitCostMaterial *decimal.Decimal
	UnitCostLabor    *decimal.Decimal
	UnitCostOther    *decimal.Decimal
	UnitCostTotal    *decimal.Decimal
	UpdatedAt        time.Time
}

// UnitCost prefers the stored total and otherwise sums whichever parts are
// present. It reports false when the code carries no cost at all.
func (c CostCode) UnitCost() (decimal.Decimal, bool) {
	if c.UnitCostTotal != nil {
		return *c.UnitCostTotal, true
	}
	total := decimal.Zero
	found := false
	for _, part := range []*decimal.Decimal{c.UnitCostMaterial, c.UnitCostLabor, c.UnitCostOther} {
		if part != nil {
			total = total.Add(*part)
			found = true
		}
	}
	return total, found
}
