package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

const (
	passScore         = 70
	manualReviewScore = 50
)

type DocumentValidation struct {
	Documents DocumentStore
	Parser    DocumentParser
	Validator ContentValidator
	Now       func() time.Time
}

func (v *DocumentValidation) Run(ctx context.Context, run *RunContext) error {
	var input domain.DocumentValidationPayload
	if err := run.DecodePayload(&input); err != nil {
		return err
	}

	if err := run.Progress(ctx, 10, "Loading document"); err != nil {
		return err
	}
	document, err := v.Documents.GetDocument(ctx, input.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if input.DocumentType != "" {
		document.Type = input.DocumentType
	}

	if err := run.Progress(ctx, 20, "Downloading from blob storage"); err != nil {
		return err
	}
	content, err := v.Documents.Download(ctx, document)
	if err != nil {
		return fmt.Errorf("download document: %w", err)
	}

	if err := run.Progress(ctx, 35, "Parsing document"); err != nil {
		return err
	}
	parsed, err := v.Parser.Parse(ctx, document, content)
	if err != nil {
		return fmt.Errorf("parse document: %w", err)
	}

	if err := run.Progress(ctx, 55, "Running LLM validation"); err != nil {
		return err
	}
	class := domain.AACEClass4
	if document.Type == "bid" {
		class = domain.AACEClass2
	}
	outcome, err := v.Validator.Validate(ctx, parsed, class)
	if err != nil {
		// the document is kept for a human instead of failing the job
		run.Logger().WithField("error", err.Error()).Warn("content validation unavailable, routing to manual review")
		outcome = &ValidationOutcome{Issues: []string{"automated validation unavailable"}}
	}

	status := validationStatus(outcome, err != nil)
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if err := v.Documents.RecordValidation(ctx, document.ID, ValidationRecord{
		Status:            status,
		CompletenessScore: outcome.CompletenessScore,
		Suitable:          outcome.SuitableForEstimation,
		Issues:            outcome.Issues,
		ValidatedAt:       now().UTC(),
	}); err != nil {
		return fmt.Errorf("record validation: %w", err)
	}

	run.Audit(ctx, domain.AuditSubjectDocument, document.ID, domain.AuditActionDocumentValidated, map[string]any{
		"job_id":             run.JobID,
		"validation_status":  string(status),
		"completeness_score": outcome.CompletenessScore,
		"aace_class":         string(class),
		"issue_count":        len(outcome.Issues),
	})

	return run.Complete(ctx, domain.DocumentValidationResult{
		DocumentID:            document.ID,
		ValidationStatus:      status,
		CompletenessScore:     outcome.CompletenessScore,
		SuitableForEstimation: outcome.SuitableForEstimation,
	})
}

func validationStatus(outcome *ValidationOutcome, unavailable bool) domain.ValidationStatus {
	switch {
	case unavailable:
		return domain.ValidationStatusManualReview
	case outcome.SuitableForEstimation && outcome.CompletenessScore >= passScore:
		return domain.ValidationStatusPassed
	case outcome.CompletenessScore >= manualReviewScore:
		return domain.ValidationStatusManualReview
	default:
		return domain.ValidationStatusFailed
	}
}
