package domain

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Result is the closed set of payloads a job can complete with.
type Result interface {
	JobType() JobType
}

type ValidationStatus string

const (
	ValidationStatusPending      ValidationStatus = "pending"
	ValidationStatusPassed       ValidationStatus = "passed"
	ValidationStatusFailed       ValidationStatus = "failed"
	ValidationStatusManualReview ValidationStatus = "manual_review"
)

type DocumentValidationResult struct {
	DocumentID            string           `json:"document_id"`
	ValidationStatus      ValidationStatus `json:"validation_status"`
	CompletenessScore     int              `json:"completeness_score"`
	SuitableForEstimation bool             `json:"suitable_for_estimation"`
}

func (DocumentValidationResult) JobType() JobType { return JobTypeDocumentValidation }

type EstimateGenerationResult struct {
	EstimateID     string           `json:"estimate_id"`
	ProjectID      string           `json:"project_id"`
	EstimateNumber string           `json:"estimate_number"`
	AACEClass      AACEClass        `json:"aace_class"`
	BaseCost       decimal.Decimal  `json:"base_cost"`
	P50Cost        *decimal.Decimal `json:"p50_cost,omitempty"`
	P80Cost        *decimal.Decimal `json:"p80_cost,omitempty"`
	P95Cost        *decimal.Decimal `json:"p95_cost,omitempty"`
	LineItemCount  int              `json:"line_item_count"`
}

func (EstimateGenerationResult) JobType() JobType { return JobTypeEstimateGeneration }

func EncodeResult(result Result) (json.RawMessage, error) {
	if result == nil {
		return nil, &ValidationError{Field: "result_data", Reason: "result is required"}
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", result.JobType(), err)
	}
	return encoded, nil
}

// DecodeResult returns the result variant that belongs to jobType.
func DecodeResult(jobType JobType, raw json.RawMessage) (Result, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	switch jobType {
	case JobTypeDocumentValidation:
		var result DocumentValidationResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", jobType, err)
		}
		return result, nil
	case JobTypeEstimateGeneration:
		var result EstimateGenerationResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("decode %s result: %w", jobType, err)
		}
		return result, nil
	default:
		return nil, &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
}
