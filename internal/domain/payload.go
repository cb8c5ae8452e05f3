package domain

// DocumentValidationPayload is the submission payload of a document-validation job.
type DocumentValidationPayload struct {
	DocumentID   string `json:"document_id"`
	DocumentType string `json:"document_type,omitempty"`
}

// EstimateGenerationPayload is the submission payload of an estimate-generation job.
type EstimateGenerationPayload struct {
	ProjectID       string            `json:"project_id"`
	ProjectNumber   string            `json:"project_number,omitempty"`
	EstimateNumber  string            `json:"estimate_number,omitempty"`
	DocumentIDs     []string          `json:"document_ids,omitempty"`
	MaturityPercent int               `json:"maturity_percent,omitempty"`
	Completeness    int               `json:"completeness_score,omitempty"`
	ConfidenceLevel float64           `json:"confidence_level,omitempty"`
	LineItems       []LineItemInput   `json:"line_items,omitempty"`
	RiskFactors     []RiskFactorInput `json:"risk_factors,omitempty"`
	Assumptions     []string          `json:"assumptions,omitempty"`
	Exclusions      []string          `json:"exclusions,omitempty"`
}

// LineItemInput wires the breakdown by WBS code; ParentWBSCode is empty for
// top-level items.
type LineItemInput struct {
	WBSCode          string `json:"wbs_code"`
	ParentWBSCode    string `json:"parent_wbs_code,omitempty"`
	CostCode         string `json:"cost_code,omitempty"`
	Description      string `json:"description"`
	Quantity         string `json:"quantity,omitempty"`
	UnitOfMeasure    string `json:"unit_of_measure,omitempty"`
	UnitCostMaterial string `json:"unit_cost_material,omitempty"`
	UnitCostLabor    string `json:"unit_cost_labor,omitempty"`
	UnitCostOther    string `json:"unit_cost_other,omitempty"`
}

type RiskFactorInput struct {
	Name         string  `json:"name"`
	Distribution string  `json:"distribution,omitempty"`
	Min          float64 `json:"min"`
	Likely       float64 `json:"likely"`
	Max          float64 `json:"max"`
}
