package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// parametricUnitCosts price items by description keyword when the cost
// database has nothing for their code. First match wins.
var parametricUnitCosts = []struct {
	keyword string
	cost    decimal.Decimal
}{
	{"tangent", decimal.NewFromInt(75000)},
	{"dead", decimal.NewFromInt(95000)},
	{"conductor", decimal.NewFromInt(25)},
	{"foundation", decimal.NewFromInt(15000)},
	{"clearing", decimal.NewFromInt(10000)},
}

var defaultParametricUnitCost = decimal.NewFromInt(10000)

func parametricUnitCost(description string) decimal.Decimal {
	lower := strings.ToLower(description)
	for _, entry := range parametricUnitCosts {
		if strings.Contains(lower, entry.keyword) {
			return entry.cost
		}
	}
	return defaultParametricUnitCost
}

// costCodePricer memoizes lookups for one plan so a code used by many items
// is read once.
type costCodePricer struct {
	lookup CostCodeLookup
	seen   map[string]*domain.CostCode
}

func newCostCodePricer(lookup CostCodeLookup) *costCodePricer {
	return &costCodePricer{lookup: lookup, seen: make(map[string]*domain.CostCode)}
}

// price fills the unit costs of an item that names a cost code but carries
// none of its own. Stored parts are copied as is; a code with only a total
// books it as other cost. Unknown or unpriced codes fall back to the
// parametric table.
func (p *costCodePricer) price(ctx context.Context, item *domain.LineItem) error {
	code, err := p.get(ctx, item.CostCode)
	if err != nil {
		return err
	}

	if code != nil {
		if unit, ok := code.UnitCost(); ok {
			parts := []*decimal.Decimal{code.UnitCostMaterial, code.UnitCostLabor, code.UnitCostOther}
			if parts[0] == nil && parts[1] == nil && parts[2] == nil {
				item.UnitCostOther = unit
			} else {
				item.UnitCostMaterial = valueOrZero(parts[0])
				item.UnitCostLabor = valueOrZero(parts[1])
				item.UnitCostOther = valueOrZero(parts[2])
			}
			item.UnitCostTotal = unit
			if item.UnitOfMeasure == "" {
				item.UnitOfMeasure = code.UnitOfMeasure
			}
			return nil
		}
	}

	item.UnitCostOther = parametricUnitCost(item.Description)
	item.UnitCostTotal = item.UnitCostOther
	return nil
}

func (p *costCodePricer) get(ctx context.Context, code string) (*domain.CostCode, error) {
	if cached, ok := p.seen[code]; ok {
		return cached, nil
	}
	if p.lookup == nil {
		p.seen[code] = nil
		return nil, nil
	}

	found, err := p.lookup.GetCostCode(ctx, code)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("look up cost code %s: %w", code, err)
		}
		found = nil
	}
	p.seen[code] = found
	return found, nil
}

func valueOrZero(value *decimal.Decimal) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return *value
}
