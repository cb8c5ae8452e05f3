package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AACEClass is the AACE International estimate classification.
type AACEClass string

const (
	AACEClass5 AACEClass = "class_5"
	AACEClass4 AACEClass = "class_4"
	AACEClass3 AACEClass = "class_3"
	AACEClass2 AACEClass = "class_2"
	AACEClass1 AACEClass = "class_1"
)

// Estimate is the root of a persisted cost breakdown. EstimateNumber is the
// aggregate key: at most one estimate per number ever commits.
type Estimate struct {
	ID                 uuid.UUID
	ProjectID          string
	EstimateNumber     string
	AACEClass          AACEClass
	BaseCost           decimal.Decimal
	ContingencyPercent decimal.Decimal
	P50Cost            *decimal.Decimal
	P80Cost            *decimal.Decimal
	P95Cost            *decimal.Decimal
	Narrative          string
	CreatedBy          string
	CreatedAt          time.Time
}

// LineItem is one node of the cost breakdown tree. TempKey and TempParentKey
// wire the tree before identities exist; ID and ParentID are assigned when the
// batch is persisted.
type LineItem struct {
	ID            uuid.UUID
	EstimateID    uuid.UUID
	ParentID      *uuid.UUID
	TempKey       string
	TempParentKey string

	WBSCode          string
	CostCode         string
	Description      string
	Quantity         decimal.Decimal
	UnitOfMeasure    string
	UnitCostMaterial decimal.Decimal
	UnitCostLabor    decimal.Decimal
	UnitCostOther    decimal.Decimal
	UnitCostTotal    decimal.Decimal
	TotalCost        decimal.Decimal
	Position         int
}

type Assumption struct {
	ID         uuid.UUID
	EstimateID uuid.UUID
	Text       string
	Category   string
}

type Exclusion struct {
	ID         uuid.UUID
	EstimateID uuid.UUID
	Text       string
	Category   string
}

type RiskFactor struct {
	ID           uuid.UUID
	EstimateID   uuid.UUID
	Name         string
	Distribution string
	Min          *float64
	Likely       *float64
	Max          *float64
	Mean         *float64
	StdDev       *float64
}

// EstimateGraph is everything written by one hierarchy unit of work.
type EstimateGraph struct {
	Estimate    *Estimate
	LineItems   []LineItem
	Assumptions []Assumption
	Exclusions  []Exclusion
	RiskFactors []RiskFactor
}

// PersistedEstimate is returned after commit; children are reachable by query.
type PersistedEstimate struct {
	Estimate      Estimate
	LineItemCount int
}
