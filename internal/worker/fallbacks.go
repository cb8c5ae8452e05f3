package worker

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// MemoryDocumentStore is the local stand-in for document metadata and blob
// storage.
type MemoryDocumentStore struct {
	mu          sync.RWMutex
	documents   map[string]Document
	blobs       map[string][]byte
	validations map[string]ValidationRecord
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{
		documents:   make(map[string]Document),
		blobs:       make(map[string][]byte),
		validations: make(map[string]ValidationRecord),
	}
}

func (s *MemoryDocumentStore) Put(document Document, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if document.BlobPath == "" {
		document.BlobPath = "documents/" + document.ID
	}
	s.documents[document.ID] = document
	s.blobs[document.BlobPath] = append([]byte(nil), content...)
}

func (s *MemoryDocumentStore) GetDocument(_ context.Context, documentID string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	document, ok := s.documents[documentID]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	return &document, nil
}

func (s *MemoryDocumentStore) Download(_ context.Context, document *Document) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	content, ok := s.blobs[document.BlobPath]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", document.BlobPath, domain.ErrNotFound)
	}
	return append([]byte(nil), content...), nil
}

func (s *MemoryDocumentStore) RecordValidation(_ context.Context, documentID string, record ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, domain.ErrNotFound)
	}
	s.validations[documentID] = record
	return nil
}

func (s *MemoryDocumentStore) Validation(documentID string) (ValidationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.validations[documentID]
	return record, ok
}

// TextParser treats content as UTF-8 text; blank lines separate sections.
type TextParser struct{}

func (TextParser) Parse(_ context.Context, document *Document, content []byte) (*ParsedDocument, error) {
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("document %s is not text", document.ID)
	}
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil, fmt.Errorf("document %s is empty", document.ID)
	}

	var sections []string
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		if block = strings.TrimSpace(block); block != "" {
			sections = append(sections, block)
		}
	}
	return &ParsedDocument{Text: text, Sections: sections}, nil
}

// KeywordValidator scores a document by the estimate topics it covers.
// Higher estimate classes need more of them.
type KeywordValidator struct{}

var baseTopics = []string{"scope", "quantity", "schedule", "location"}

var detailedTopics = []string{"specification", "drawing", "unit cost", "labor"}

func (KeywordValidator) Validate(_ context.Context, parsed *ParsedDocument, class domain.AACEClass) (*ValidationOutcome, error) {
	topics := baseTopics
	if class == domain.AACEClass1 || class == domain.AACEClass2 {
		topics = append(append([]string(nil), baseTopics...), detailedTopics...)
	}

	text := strings.ToLower(parsed.Text)
	var issues []string
	for _, topic := range topics {
		if !strings.Contains(text, topic) {
			issues = append(issues, "missing "+topic)
		}
	}
	score := 100 * (len(topics) - len(issues)) / len(topics)
	return &ValidationOutcome{
		CompletenessScore:     score,
		SuitableForEstimation: score >= 70,
		Issues:                issues,
	}, nil
}

// PayloadPlanner builds the breakdown from the line items in the submission
// payload. Leaf totals are quantity times unit cost; parents carry the sum
// of their children. A leaf that names a cost code and no unit costs is
// priced from CostCodes.
type PayloadPlanner struct {
	CostCodes CostCodeLookup
}

func (p PayloadPlanner) Plan(ctx context.Context, input domain.EstimateGenerationPayload) ([]domain.LineItem, error) {
	if len(input.LineItems) == 0 {
		return nil, &domain.ValidationError{Field: "line_items", Reason: "at least one line item is required"}
	}

	parents := make(map[string]struct{}, len(input.LineItems))
	for _, in := range input.LineItems {
		if in.ParentWBSCode != "" {
			parents[in.ParentWBSCode] = struct{}{}
		}
	}
	pricer := newCostCodePricer(p.CostCodes)

	items := make([]domain.LineItem, len(input.LineItems))
	for i, in := range input.LineItems {
		item := domain.LineItem{
			TempKey:       in.WBSCode,
			TempParentKey: in.ParentWBSCode,
			WBSCode:       in.WBSCode,
			CostCode:      strings.TrimSpace(in.CostCode),
			Description:   in.Description,
			UnitOfMeasure: in.UnitOfMeasure,
		}
		var err error
		if item.Quantity, err = parseAmount("quantity", in.Quantity, decimal.NewFromInt(1)); err != nil {
			return nil, err
		}
		if item.UnitCostMaterial, err = parseAmount("unit_cost_material", in.UnitCostMaterial, decimal.Zero); err != nil {
			return nil, err
		}
		if item.UnitCostLabor, err = parseAmount("unit_cost_labor", in.UnitCostLabor, decimal.Zero); err != nil {
			return nil, err
		}
		if item.UnitCostOther, err = parseAmount("unit_cost_other", in.UnitCostOther, decimal.Zero); err != nil {
			return nil, err
		}
		item.UnitCostTotal = item.UnitCostMaterial.Add(item.UnitCostLabor).Add(item.UnitCostOther)

		_, isParent := parents[in.WBSCode]
		if item.CostCode != "" && !isParent && unpriced(in) {
			if err := pricer.price(ctx, &item); err != nil {
				return nil, err
			}
		}
		items[i] = item
	}

	children := make(map[string][]int, len(items))
	for i, item := range items {
		if item.TempParentKey != "" {
			children[item.TempParentKey] = append(children[item.TempParentKey], i)
		}
	}

	// Totals roll up bottom-first; a node on a cycle or with a missing
	// parent is left for the resolver to reject.
	done := make([]bool, len(items))
	var total func(i int, depth int) decimal.Decimal
	total = func(i int, depth int) decimal.Decimal {
		if done[i] || depth > len(items) {
			return items[i].TotalCost
		}
		kids := children[items[i].TempKey]
		if len(kids) == 0 {
			items[i].TotalCost = items[i].Quantity.Mul(items[i].UnitCostTotal)
		} else {
			sum := decimal.Zero
			for _, child := range kids {
				sum = sum.Add(total(child, depth+1))
			}
			items[i].TotalCost = sum
		}
		done[i] = true
		return items[i].TotalCost
	}
	for i := range items {
		total(i, 0)
	}
	return items, nil
}

func unpriced(in domain.LineItemInput) bool {
	return strings.TrimSpace(in.UnitCostMaterial) == "" &&
		strings.TrimSpace(in.UnitCostLabor) == "" &&
		strings.TrimSpace(in.UnitCostOther) == ""
}

func parseAmount(field, value string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Field: field, Reason: fmt.Sprintf("invalid amount %q", value)}
	}
	return amount, nil
}

const (
	z80 = 0.8416
	z95 = 1.6449
)

// TriangularRiskAnalyzer approximates the sum of triangular factor impacts
// with a normal distribution.
type TriangularRiskAnalyzer struct{}

func (TriangularRiskAnalyzer) Analyze(_ context.Context, baseCost decimal.Decimal, factors []domain.RiskFactor) (*RiskSummary, error) {
	var mean, variance float64
	analyzed := make([]domain.RiskFactor, len(factors))
	for i, factor := range factors {
		if factor.Min == nil || factor.Likely == nil || factor.Max == nil {
			return nil, &domain.ValidationError{Field: "risk_factors", Reason: fmt.Sprintf("factor %q needs min, likely and max", factor.Name)}
		}
		a, c, b := *factor.Min, *factor.Likely, *factor.Max
		if a > c || c > b {
			return nil, &domain.ValidationError{Field: "risk_factors", Reason: fmt.Sprintf("factor %q must satisfy min <= likely <= max", factor.Name)}
		}
		factorMean := (a + b + c) / 3
		factorVariance := (a*a + b*b + c*c - a*b - a*c - b*c) / 18
		stdDev := math.Sqrt(factorVariance)

		factor.Mean = &factorMean
		factor.StdDev = &stdDev
		if factor.Distribution == "" {
			factor.Distribution = "triangular"
		}
		analyzed[i] = factor
		mean += factorMean
		variance += factorVariance
	}

	base := baseCost.InexactFloat64()
	center := base * (1 + mean)
	spread := base * math.Sqrt(variance)
	percentile := func(z float64) decimal.Decimal {
		return decimal.NewFromFloat(center + z*spread).Round(2)
	}
	return &RiskSummary{
		P50:     percentile(0),
		P80:     percentile(z80),
		P95:     percentile(z95),
		Factors: analyzed,
	}, nil
}

type TemplateNarrator struct{}

func (TemplateNarrator) Narrate(_ context.Context, estimate *domain.Estimate, items []domain.LineItem) (string, error) {
	narrative := fmt.Sprintf(
		"Estimate %s for project %s is an AACE %s estimate of %d line items with a base cost of %s",
		estimate.EstimateNumber,
		estimate.ProjectID,
		strings.ReplaceAll(string(estimate.AACEClass), "_", " "),
		len(items),
		estimate.BaseCost.StringFixed(2),
	)
	if estimate.P80Cost != nil {
		narrative += fmt.Sprintf(" and a P80 cost of %s (%s%% contingency)", estimate.P80Cost.StringFixed(2), estimate.ContingencyPercent.StringFixed(2))
	}
	return narrative + ".", nil
}

// ClassifyEstimate weighs engineering maturity at 60% and document
// completeness at 40%.
func ClassifyEstimate(maturityPercent, completenessScore int) domain.AACEClass {
	weighted := float64(maturityPercent)*0.6 + float64(completenessScore)*0.4
	switch {
	case weighted >= 90:
		return domain.AACEClass1
	case weighted >= 70:
		return domain.AACEClass2
	case weighted >= 50:
		return domain.AACEClass3
	case weighted >= 30:
		return domain.AACEClass4
	default:
		return domain.AACEClass5
	}
}
