package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

type estimateView struct {
	ID                 uuid.UUID        `json:"id"`
	ProjectID          string           `json:"project_id"`
	EstimateNumber     string           `json:"estimate_number"`
	AACEClass          domain.AACEClass `json:"aace_class"`
	BaseCost           decimal.Decimal  `json:"base_cost"`
	ContingencyPercent decimal.Decimal  `json:"contingency_percent"`
	P50Cost            *decimal.Decimal `json:"p50_cost,omitempty"`
	P80Cost            *decimal.Decimal `json:"p80_cost,omitempty"`
	P95Cost            *decimal.Decimal `json:"p95_cost,omitempty"`
	Narrative          string           `json:"narrative,omitempty"`
	CreatedBy          string           `json:"created_by,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	LineItems          []lineItemView   `json:"line_items"`
}

type lineItemView struct {
	ID            uuid.UUID       `json:"id"`
	ParentID      *uuid.UUID      `json:"parent_id,omitempty"`
	WBSCode       string          `json:"wbs_code"`
	CostCode      string          `json:"cost_code,omitempty"`
	Description   string          `json:"description"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitOfMeasure string          `json:"unit_of_measure,omitempty"`
	UnitCostTotal decimal.Decimal `json:"unit_cost_total"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Position      int             `json:"position"`
}

func (api *API) Estimate(w http.ResponseWriter, r *http.Request) {
	estimateID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "estimate id must be a UUID")
		return
	}

	estimate, err := api.estimates.GetEstimate(r.Context(), estimateID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load estimate")
		return
	}
	items, err := api.estimates.ListLineItems(r.Context(), estimateID)
	if err != nil {
		api.writeServiceError(w, r, err, "failed to load line items")
		return
	}

	view := estimateView{
		ID:                 estimate.ID,
		ProjectID:          estimate.ProjectID,
		EstimateNumber:     estimate.EstimateNumber,
		AACEClass:          estimate.AACEClass,
		BaseCost:           estimate.BaseCost,
		ContingencyPercent: estimate.ContingencyPercent,
		P50Cost:            estimate.P50Cost,
		P80Cost:            estimate.P80Cost,
		P95Cost:            estimate.P95Cost,
		Narrative:          estimate.Narrative,
		CreatedBy:          estimate.CreatedBy,
		CreatedAt:          estimate.CreatedAt,
		LineItems:          make([]lineItemView, 0, len(items)),
	}
	for _, item := range items {
		view.LineItems = append(view.LineItems, lineItemView{
			ID:            item.ID,
			ParentID:      item.ParentID,
			WBSCode:       item.WBSCode,
			CostCode:      item.CostCode,
			Description:   item.Description,
			Quantity:      item.Quantity,
			UnitOfMeasure: item.UnitOfMeasure,
			UnitCostTotal: item.UnitCostTotal,
			TotalCost:     item.TotalCost,
			Position:      item.Position,
		})
	}
	writeJSON(w, http.StatusOK, view)
}
