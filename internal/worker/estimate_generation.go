package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

type EstimateGeneration struct {
	Sessions    repository.SessionFactory
	Coordinator *service.EstimateCoordinator
	Planner     EstimatePlanner
	Risk        RiskAnalyzer
	Narrator    Narrator
	Now         func() time.Time
}

func (g *EstimateGeneration) Run(ctx context.Context, run *RunContext) error {
	var input domain.EstimateGenerationPayload
	if err := run.DecodePayload(&input); err != nil {
		return err
	}

	if err := run.Progress(ctx, 10, "Preparing estimate job"); err != nil {
		return err
	}
	// this worker's own session, never the submitting request's
	session, err := g.Sessions.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	defer session.Release()

	if err := run.Progress(ctx, 25, "Running estimate generator"); err != nil {
		return err
	}
	graph, err := g.build(ctx, run, input)
	if err != nil {
		return err
	}

	if err := run.Progress(ctx, 60, "Persisting estimate"); err != nil {
		return err
	}
	persisted, err := g.Coordinator.PersistHierarchy(ctx, session, graph, service.PersistOptions{
		JobID: run.JobID,
		Actor: run.Actor,
	})
	if err != nil {
		return err
	}

	if err := run.Progress(ctx, 90, "Loading estimate details"); err != nil {
		return err
	}
	estimate := persisted.Estimate
	return run.Complete(ctx, domain.EstimateGenerationResult{
		EstimateID:     estimate.ID.String(),
		ProjectID:      estimate.ProjectID,
		EstimateNumber: estimate.EstimateNumber,
		AACEClass:      estimate.AACEClass,
		BaseCost:       estimate.BaseCost,
		P50Cost:        estimate.P50Cost,
		P80Cost:        estimate.P80Cost,
		P95Cost:        estimate.P95Cost,
		LineItemCount:  persisted.LineItemCount,
	})
}

func (g *EstimateGeneration) build(
	ctx context.Context,
	run *RunContext,
	input domain.EstimateGenerationPayload,
) (domain.EstimateGraph, error) {
	items, err := g.Planner.Plan(ctx, input)
	if err != nil {
		return domain.EstimateGraph{}, fmt.Errorf("plan line items: %w", err)
	}

	baseCost := decimal.Zero
	for _, item := range items {
		if item.TempParentKey == "" {
			baseCost = baseCost.Add(item.TotalCost)
		}
	}

	factors := make([]domain.RiskFactor, len(input.RiskFactors))
	for i, in := range input.RiskFactors {
		minImpact, likely, maxImpact := in.Min, in.Likely, in.Max
		factors[i] = domain.RiskFactor{
			Name:         in.Name,
			Distribution: in.Distribution,
			Min:          &minImpact,
			Likely:       &likely,
			Max:          &maxImpact,
		}
	}
	risk, err := g.Risk.Analyze(ctx, baseCost, factors)
	if err != nil {
		return domain.EstimateGraph{}, fmt.Errorf("analyze risk: %w", err)
	}

	estimate := &domain.Estimate{
		ID:             uuid.New(),
		ProjectID:      input.ProjectID,
		EstimateNumber: g.estimateNumber(input),
		AACEClass:      ClassifyEstimate(input.MaturityPercent, input.Completeness),
		BaseCost:       baseCost,
		P50Cost:        &risk.P50,
		P80Cost:        &risk.P80,
		P95Cost:        &risk.P95,
		CreatedBy:      run.Actor,
	}
	if !baseCost.IsZero() {
		estimate.ContingencyPercent = risk.P80.Sub(baseCost).Div(baseCost).Mul(decimal.NewFromInt(100)).Round(2)
	}

	narrative, err := g.Narrator.Narrate(ctx, estimate, items)
	if err != nil {
		run.Logger().WithField("error", err.Error()).Warn("estimate narrative unavailable")
	}
	estimate.Narrative = narrative

	graph := domain.EstimateGraph{
		Estimate:    estimate,
		LineItems:   items,
		RiskFactors: risk.Factors,
	}
	for _, text := range input.Assumptions {
		graph.Assumptions = append(graph.Assumptions, domain.Assumption{Text: text})
	}
	for _, text := range input.Exclusions {
		graph.Exclusions = append(graph.Exclusions, domain.Exclusion{Text: text})
	}
	return graph, nil
}

// estimateNumber keeps a caller-supplied number; otherwise it is derived
// from the project number and the current time.
func (g *EstimateGeneration) estimateNumber(input domain.EstimateGenerationPayload) string {
	if number := strings.TrimSpace(input.EstimateNumber); number != "" {
		return number
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	prefix := input.ProjectNumber
	if prefix == "" {
		prefix = input.ProjectID
	}
	return fmt.Sprintf("%s-EST-%s", prefix, now().UTC().Format("20060102150405"))
}
