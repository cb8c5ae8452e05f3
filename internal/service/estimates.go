package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/hierarchy"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
)

// EstimateCoordinator persists an estimate and its line item tree as one
// unit of work.
type EstimateCoordinator struct {
	reader repository.EstimatesReader
	audit  *AuditRecorder
	logger logrus.FieldLogger
	newID  func() uuid.UUID
}

func NewEstimateCoordinator(
	reader repository.EstimatesReader,
	audit *AuditRecorder,
	logger logrus.FieldLogger,
) *EstimateCoordinator {
	return &EstimateCoordinator{
		reader: reader,
		audit:  audit,
		logger: logger,
		newID:  uuid.New,
	}
}

// PersistOptions carries audit context for one persistence call.
type PersistOptions struct {
	JobID string
	Actor string
}

// PersistHierarchy inserts the estimate, resolves line item parents against
// it and inserts the items parent first. The session belongs to the calling
// worker. Nothing is visible to readers unless every write succeeds.
func (c *EstimateCoordinator) PersistHierarchy(
	ctx context.Context,
	session repository.Session,
	graph domain.EstimateGraph,
	opts PersistOptions,
) (*domain.PersistedEstimate, error) {
	if graph.Estimate == nil {
		return nil, &domain.ValidationError{Field: "estimate", Reason: "estimate is required"}
	}
	number := strings.TrimSpace(graph.Estimate.EstimateNumber)
	if number == "" {
		return nil, &domain.ValidationError{Field: "estimate_number", Reason: "estimate number is required"}
	}

	estimate := *graph.Estimate
	estimate.EstimateNumber = number
	if estimate.ID == uuid.Nil {
		estimate.ID = c.newID()
	}

	var lineItems []domain.LineItem
	err := session.InTx(ctx, func(tx repository.EstimateTx) error {
		if err := tx.LockAggregate(ctx, number); err != nil {
			return storageError("lock estimate", err)
		}
		if err := tx.InsertEstimate(ctx, &estimate); err != nil {
			return storageError("insert estimate", err)
		}

		plan, err := hierarchy.Resolve(lineItemNodes(graph.LineItems), hierarchy.Options{
			RootID: estimate.ID,
			NewID:  c.newID,
		})
		if err != nil {
			return err
		}

		lineItems = make([]domain.LineItem, len(plan.Nodes))
		for position, node := range plan.Nodes {
			item := graph.LineItems[plan.Order[position]]
			item.ID = node.ID
			item.ParentID = node.ParentID
			item.EstimateID = estimate.ID
			item.Position = position
			lineItems[position] = item
		}
		if err := tx.InsertLineItems(ctx, lineItems); err != nil {
			return storageError("insert line items", err)
		}

		if err := tx.InsertAssumptions(ctx, c.assumptions(estimate.ID, graph.Assumptions)); err != nil {
			return storageError("insert assumptions", err)
		}
		if err := tx.InsertExclusions(ctx, c.exclusions(estimate.ID, graph.Exclusions)); err != nil {
			return storageError("insert exclusions", err)
		}
		if err := tx.InsertRiskFactors(ctx, c.riskFactors(estimate.ID, graph.RiskFactors)); err != nil {
			return storageError("insert risk factors", err)
		}
		return nil
	})
	if err != nil {
		err = storageError("commit estimate", err)
		metrics.Get().PersistOutcomes.WithLabelValues(persistOutcome(err)).Inc()
		c.logger.WithFields(logrus.Fields{
			"job_id":          opts.JobID,
			"estimate_number": number,
			"batch_size":      len(graph.LineItems),
			"error":           err.Error(),
		}).Warn("estimate hierarchy not persisted")
		return nil, err
	}

	metrics.Get().PersistOutcomes.WithLabelValues("committed").Inc()
	c.audit.Record(ctx, domain.AuditSubjectEstimate, estimate.ID.String(), opts.Actor, domain.AuditActionEstimatePersisted, map[string]any{
		"job_id":          opts.JobID,
		"estimate_number": number,
		"batch_size":      len(lineItems),
		"root_id":         estimate.ID.String(),
	})
	return &domain.PersistedEstimate{Estimate: estimate, LineItemCount: len(lineItems)}, nil
}

func (c *EstimateCoordinator) GetEstimate(ctx context.Context, id uuid.UUID) (*domain.Estimate, error) {
	return c.reader.GetEstimate(ctx, id)
}

func (c *EstimateCoordinator) ListLineItems(ctx context.Context, estimateID uuid.UUID) ([]domain.LineItem, error) {
	if _, err := c.reader.GetEstimate(ctx, estimateID); err != nil {
		return nil, err
	}
	return c.reader.ListLineItems(ctx, estimateID)
}

func (c *EstimateCoordinator) assumptions(estimateID uuid.UUID, in []domain.Assumption) []domain.Assumption {
	out := make([]domain.Assumption, len(in))
	for i, assumption := range in {
		assumption.EstimateID = estimateID
		if assumption.ID == uuid.Nil {
			assumption.ID = c.newID()
		}
		out[i] = assumption
	}
	return out
}

func (c *EstimateCoordinator) exclusions(estimateID uuid.UUID, in []domain.Exclusion) []domain.Exclusion {
	out := make([]domain.Exclusion, len(in))
	for i, exclusion := range in {
		exclusion.EstimateID = estimateID
		if exclusion.ID == uuid.Nil {
			exclusion.ID = c.newID()
		}
		out[i] = exclusion
	}
	return out
}

func (c *EstimateCoordinator) riskFactors(estimateID uuid.UUID, in []domain.RiskFactor) []domain.RiskFactor {
	out := make([]domain.RiskFactor, len(in))
	for i, factor := range in {
		factor.EstimateID = estimateID
		if factor.ID == uuid.Nil {
			factor.ID = c.newID()
		}
		out[i] = factor
	}
	return out
}

func lineItemNodes(items []domain.LineItem) []hierarchy.Node {
	nodes := make([]hierarchy.Node, len(items))
	for i, item := range items {
		nodes[i] = hierarchy.Node{
			Key:       item.TempKey,
			ParentKey: item.TempParentKey,
			ID:        item.ID,
		}
	}
	return nodes
}

// storageError wraps raw storage faults. Errors that already carry a domain
// meaning pass through unchanged.
func storageError(op string, err error) error {
	if isDomainError(err) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	for _, target := range []error{
		domain.ErrConflict,
		domain.ErrValidation,
		domain.ErrUnresolvedReference,
		domain.ErrCyclicReference,
		domain.ErrPersistence,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func persistOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrPersistence):
		return "error"
	default:
		return "rejected"
	}
}
