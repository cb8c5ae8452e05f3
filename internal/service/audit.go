package service

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
	"github.com/gbassaragh/APEX-sub002/internal/policy"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
)

// AuditRecorder appends compliance entries. Recording is best effort: a
// failed append is logged and never reaches the caller.
type AuditRecorder struct {
	repo   repository.AuditRepository
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewAuditRecorder(repo repository.AuditRepository, logger logrus.FieldLogger) *AuditRecorder {
	return &AuditRecorder{repo: repo, logger: logger, now: time.Now}
}

func (r *AuditRecorder) Record(
	ctx context.Context,
	subjectType string,
	subjectID string,
	actor string,
	action string,
	detail map[string]any,
) {
	if r == nil || r.repo == nil {
		return
	}

	entry := &domain.AuditEntry{
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Actor:       actor,
		Action:      action,
		Timestamp:   r.now().UTC(),
		Detail:      policy.MaskDetail(detail),
	}
	// recorded even when the caller's context is already cancelled
	if err := r.repo.AppendAudit(context.WithoutCancel(ctx), entry); err != nil {
		metrics.Get().AuditFailures.Inc()
		r.logger.WithFields(logrus.Fields{
			"subject_type": subjectType,
			"subject_id":   subjectID,
			"action":       action,
			"error":        err.Error(),
		}).Error("audit record failed")
	}
}

func (r *AuditRecorder) List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error) {
	return r.repo.ListAudit(ctx, filter)
}
