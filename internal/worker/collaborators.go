package worker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// Document is a source document registered for validation.
type Document struct {
	ID        string
	ProjectID string
	Type      string
	Filename  string
	BlobPath  string
}

type ValidationRecord struct {
	Status            domain.ValidationStatus
	CompletenessScore int
	Suitable          bool
	Issues            []string
	ValidatedAt       time.Time
}

// DocumentStore fronts document metadata and blob storage.
type DocumentStore interface {
	GetDocument(ctx context.Context, documentID string) (*Document, error)
	Download(ctx context.Context, document *Document) ([]byte, error)
	RecordValidation(ctx context.Context, documentID string, record ValidationRecord) error
}

type ParsedDocument struct {
	Text     string
	Sections []string
}

// DocumentParser turns raw bytes into text (OCR or layout analysis in production).
type DocumentParser interface {
	Parse(ctx context.Context, document *Document, content []byte) (*ParsedDocument, error)
}

type ValidationOutcome struct {
	CompletenessScore     int
	SuitableForEstimation bool
	Issues                []string
}

// ContentValidator judges whether a parsed document can support an estimate
// of the given class (an LLM in production).
type ContentValidator interface {
	Validate(ctx context.Context, parsed *ParsedDocument, class domain.AACEClass) (*ValidationOutcome, error)
}

// EstimatePlanner produces the line item breakdown with temporary keys and
// rolled-up totals.
type EstimatePlanner interface {
	Plan(ctx context.Context, input domain.EstimateGenerationPayload) ([]domain.LineItem, error)
}

type RiskSummary struct {
	P50     decimal.Decimal
	P80     decimal.Decimal
	P95     decimal.Decimal
	Factors []domain.RiskFactor
}

// RiskAnalyzer derives cost percentiles (Monte Carlo in production). Factor
// parameters are fractional cost impacts: 0.10 is +10%.
type RiskAnalyzer interface {
	Analyze(ctx context.Context, baseCost decimal.Decimal, factors []domain.RiskFactor) (*RiskSummary, error)
}

type Narrator interface {
	Narrate(ctx context.Context, estimate *domain.Estimate, items []domain.LineItem) (string, error)
}

// CostCodeLookup reads the reference cost database. A code it does not know
// yields an error matching domain.ErrNotFound.
type CostCodeLookup interface {
	GetCostCode(ctx context.Context, code string) (*domain.CostCode, error)
}
