package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
)

type countingLookup struct {
	CostCodeLookup
	calls map[string]int
}

func (l *countingLookup) GetCostCode(ctx context.Context, code string) (*domain.CostCode, error) {
	l.calls[code]++
	return l.CostCodeLookup.GetCostCode(ctx, code)
}

type failingLookup struct{}

func (failingLookup) GetCostCode(context.Context, string) (*domain.CostCode, error) {
	return nil, errors.New("connection reset")
}

func dec(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

func seededCostCodes(t *testing.T) *repository.MemoryCostCodeRepository {
	t.Helper()
	repo := repository.NewMemoryCostCodeRepository()
	_, err := repo.UpsertCostCodes(context.Background(), []domain.CostCode{
		{Code: "10-100", Description: "Tangent structure", UnitOfMeasure: "EA",
			UnitCostMaterial: dec("15000"), UnitCostLabor: dec("8000"), UnitCostOther: dec("2000")},
		{Code: "20-100", Description: "Conductor", UnitOfMeasure: "LF", UnitCostTotal: dec("2.50")},
		{Code: "30-100", Description: "ROW clearing"},
	})
	require.NoError(t, err)
	return repo
}

func TestPayloadPlannerPricesFromCostCodes(t *testing.T) {
	lookup := &countingLookup{CostCodeLookup: seededCostCodes(t), calls: make(map[string]int)}
	planner := PayloadPlanner{CostCodes: lookup}

	items, err := planner.Plan(context.Background(), domain.EstimateGenerationPayload{
		LineItems: []domain.LineItemInput{
			{WBSCode: "1", Description: "Line", CostCode: "10-100"},
			{WBSCode: "1.1", ParentWBSCode: "1", Description: "Tangent structures", CostCode: "10-100", Quantity: "4"},
			{WBSCode: "1.2", ParentWBSCode: "1", Description: "Tangent spares", CostCode: "10-100"},
			{WBSCode: "1.3", ParentWBSCode: "1", Description: "Conductor", CostCode: "20-100", Quantity: "1000"},
			{WBSCode: "1.4", ParentWBSCode: "1", Description: "Clearing", CostCode: "30-100"},
			{WBSCode: "1.5", ParentWBSCode: "1", Description: "Foundation", CostCode: "99-999", Quantity: "2"},
			{WBSCode: "1.6", ParentWBSCode: "1", Description: "Priced by hand", CostCode: "10-100", UnitCostLabor: "10"},
		},
	})
	require.NoError(t, err)
	require.Len(t, items, 7)

	tangent := items[1]
	assert.True(t, tangent.UnitCostMaterial.Equal(decimal.NewFromInt(15000)))
	assert.True(t, tangent.UnitCostLabor.Equal(decimal.NewFromInt(8000)))
	assert.True(t, tangent.UnitCostTotal.Equal(decimal.NewFromInt(25000)))
	assert.True(t, tangent.TotalCost.Equal(decimal.NewFromInt(100000)))
	assert.Equal(t, "EA", tangent.UnitOfMeasure)

	conductor := items[3]
	assert.True(t, conductor.UnitCostOther.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, conductor.TotalCost.Equal(decimal.NewFromInt(2500)))
	assert.Equal(t, "LF", conductor.UnitOfMeasure)

	// Known code without costs and unknown code both use the keyword table.
	assert.True(t, items[4].UnitCostTotal.Equal(decimal.NewFromInt(10000)))
	assert.True(t, items[5].TotalCost.Equal(decimal.NewFromInt(30000)))

	assert.True(t, items[6].UnitCostTotal.Equal(decimal.NewFromInt(10)))

	// The parent is never priced itself and rolls up its children.
	assert.True(t, items[0].UnitCostTotal.IsZero())
	assert.True(t, items[0].TotalCost.Equal(decimal.NewFromInt(100000+25000+2500+10000+30000+10)))

	assert.Equal(t, 1, lookup.calls["10-100"])
	assert.Equal(t, 1, lookup.calls["99-999"])
}

func TestPayloadPlannerWithoutCostDatabaseUsesParametricCosts(t *testing.T) {
	items, err := PayloadPlanner{}.Plan(context.Background(), domain.EstimateGenerationPayload{
		LineItems: []domain.LineItemInput{
			{WBSCode: "1", Description: "Dead-end structure", CostCode: "10-200"},
			{WBSCode: "2", Description: "Survey"},
		},
	})
	require.NoError(t, err)
	assert.True(t, items[0].TotalCost.Equal(decimal.NewFromInt(95000)))
	assert.True(t, items[1].TotalCost.IsZero())
}

func TestPayloadPlannerCostLookupFailure(t *testing.T) {
	_, err := PayloadPlanner{CostCodes: failingLookup{}}.Plan(context.Background(), domain.EstimateGenerationPayload{
		LineItems: []domain.LineItemInput{{WBSCode: "1", Description: "Line", CostCode: "10-100"}},
	})
	require.ErrorContains(t, err, "look up cost code 10-100")
	assert.False(t, errors.Is(err, domain.ErrValidation))
}

func TestParametricUnitCost(t *testing.T) {
	tests := []struct {
		description string
		want        int64
	}{
		{description: "Tangent tower 115kV", want: 75000},
		{description: "DEAD-END tower", want: 95000},
		{description: "ACSR conductor", want: 25},
		{description: "Drilled pier foundation", want: 15000},
		{description: "Vegetation clearing", want: 10000},
		{description: "Mobilization", want: 10000},
	}
	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			assert.True(t, parametricUnitCost(tt.description).Equal(decimal.NewFromInt(tt.want)))
		})
	}
}
