package domain

import "time"

const (
	AuditSubjectJob      = "job"
	AuditSubjectEstimate = "estimate"
	AuditSubjectDocument = "document"
)

const (
	AuditActionJobCompleted      = "job_completed"
	AuditActionJobFailed         = "job_failed"
	AuditActionJobReconciled     = "job_reconciled"
	AuditActionEstimatePersisted = "estimate_persisted"
	AuditActionDocumentValidated = "document_validated"
)

// AuditEntry is immutable once appended.
type AuditEntry struct {
	ID          string
	SubjectType string
	SubjectID   string
	Actor       string
	Action      string
	Timestamp   time.Time
	Detail      map[string]any
}

type AuditFilter struct {
	SubjectType string
	SubjectID   string
	Action      string
	From        *time.Time
	To          *time.Time
	Limit       int
}
