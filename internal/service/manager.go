package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/metrics"
	"github.com/gbassaragh/APEX-sub002/internal/policy"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
)

// maxRunningProgress keeps 100 reserved for completed jobs.
const maxRunningProgress = 99

const reconciledMessage = "job abandoned: no progress within the staleness threshold"

type CreateMeta struct {
	Metadata  json.RawMessage
	SubjectID string
	CreatedBy string
}

// JobManager owns every job state transition.
type JobManager struct {
	repo   repository.JobsRepository
	audit  *AuditRecorder
	logger logrus.FieldLogger
	now    func() time.Time
	newID  func() string
}

func NewJobManager(repo repository.JobsRepository, audit *AuditRecorder, logger logrus.FieldLogger) *JobManager {
	return &JobManager{
		repo:   repo,
		audit:  audit,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (m *JobManager) Create(ctx context.Context, jobType domain.JobType, meta CreateMeta) (*domain.Job, error) {
	if !jobType.Valid() {
		return nil, &domain.ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if len(meta.Metadata) > 0 && !json.Valid(meta.Metadata) {
		return nil, &domain.ValidationError{Field: "metadata", Reason: "must be valid JSON"}
	}

	now := m.now().UTC()
	job := &domain.Job{
		ID:        m.newID(),
		Type:      jobType,
		Status:    domain.JobStatusPending,
		Metadata:  meta.Metadata,
		SubjectID: meta.SubjectID,
		CreatedBy: meta.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	metrics.Get().JobTransitions.WithLabelValues(string(jobType), string(domain.JobStatusPending)).Inc()
	return job.Clone(), nil
}

func (m *JobManager) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return m.repo.GetJob(ctx, jobID)
}

func (m *JobManager) Start(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := m.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusPending {
			return &domain.InvalidStateError{JobID: job.ID, Operation: "start", Status: job.Status}
		}
		startedAt := m.now().UTC()
		job.Status = domain.JobStatusRunning
		job.StartedAt = &startedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.Get().JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	return job, nil
}

// UpdateProgress records a milestone. Percent is clamped into
// [previous, 99]; a clamped value is logged, never dropped.
func (m *JobManager) UpdateProgress(ctx context.Context, jobID string, percent int, step string) (*domain.Job, error) {
	var requested, stored int
	job, err := m.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status != domain.JobStatusRunning {
			return &domain.InvalidStateError{JobID: job.ID, Operation: "update progress of", Status: job.Status}
		}
		requested = percent
		stored = min(max(percent, job.ProgressPercent), maxRunningProgress)
		job.ProgressPercent = stored
		job.CurrentStep = step
		return nil
	})
	if err != nil {
		return nil, err
	}

	if stored != requested {
		metrics.Get().ProgressClamped.WithLabelValues(string(job.Type)).Inc()
		m.logger.WithFields(logrus.Fields{
			"job_id":    job.ID,
			"job_type":  job.Type,
			"requested": requested,
			"stored":    stored,
			"step":      step,
		}).Warn("job progress clamped")
	}
	return job, nil
}

// MarkCompleted is idempotent: a completed job is returned unchanged.
func (m *JobManager) MarkCompleted(ctx context.Context, jobID string, result domain.Result) (*domain.Job, error) {
	encoded, err := domain.EncodeResult(result)
	if err != nil {
		return nil, err
	}

	transitioned := false
	job, err := m.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		switch job.Status {
		case domain.JobStatusCompleted:
			return repository.ErrNoChange
		case domain.JobStatusRunning:
		default:
			return &domain.InvalidStateError{JobID: job.ID, Operation: "complete", Status: job.Status}
		}
		if result.JobType() != job.Type {
			return &domain.ValidationError{
				Field:  "result_data",
				Reason: fmt.Sprintf("%s result cannot complete a %s job", result.JobType(), job.Type),
			}
		}

		completedAt := m.now().UTC()
		job.Status = domain.JobStatusCompleted
		job.ProgressPercent = 100
		job.Result = encoded
		job.ErrorMessage = ""
		job.CompletedAt = &completedAt
		if estimate, ok := result.(domain.EstimateGenerationResult); ok {
			job.EstimateID = estimate.EstimateID
		}
		transitioned = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return job, nil
	}

	metrics.Get().JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	m.audit.Record(ctx, domain.AuditSubjectJob, job.ID, job.CreatedBy, domain.AuditActionJobCompleted, map[string]any{
		"job_type": string(job.Type),
		"duration": jobDuration(job).String(),
	})
	return job, nil
}

// MarkFailed stores a sanitized message. Pending jobs may fail before they run.
func (m *JobManager) MarkFailed(ctx context.Context, jobID string, message string) (*domain.Job, error) {
	return m.fail(ctx, jobID, message, domain.AuditActionJobFailed, "", nil)
}

// MarkFailedWithDiagnostics keeps diagnostics out of the job record; they
// reach the audit trail only.
func (m *JobManager) MarkFailedWithDiagnostics(
	ctx context.Context,
	jobID string,
	message string,
	diagnostics map[string]any,
) (*domain.Job, error) {
	return m.fail(ctx, jobID, message, domain.AuditActionJobFailed, "", diagnostics)
}

func (m *JobManager) fail(
	ctx context.Context,
	jobID string,
	message string,
	action string,
	actor string,
	diagnostics map[string]any,
) (*domain.Job, error) {
	sanitized := policy.SanitizeErrorMessage(message)
	job, err := m.repo.UpdateJob(ctx, jobID, func(job *domain.Job) error {
		if job.Status.Terminal() {
			return &domain.InvalidStateError{JobID: job.ID, Operation: "fail", Status: job.Status}
		}
		completedAt := m.now().UTC()
		job.Status = domain.JobStatusFailed
		job.ErrorMessage = sanitized
		job.Result = nil
		job.CompletedAt = &completedAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Get().JobTransitions.WithLabelValues(string(job.Type), string(job.Status)).Inc()

	detail := map[string]any{
		"job_type":      string(job.Type),
		"error_message": sanitized,
	}
	for key, value := range diagnostics {
		detail[key] = value
	}
	if actor == "" {
		actor = job.CreatedBy
	}
	m.audit.Record(ctx, domain.AuditSubjectJob, job.ID, actor, action, detail)
	return job, nil
}

// ListStale returns running jobs without a write for longer than threshold.
// The caller supplies the threshold; there is no default.
func (m *JobManager) ListStale(ctx context.Context, threshold time.Duration, limit int) ([]*domain.Job, error) {
	if threshold <= 0 {
		return nil, &domain.ValidationError{Field: "threshold", Reason: "must be greater than zero"}
	}
	return m.repo.ListStaleJobs(ctx, domain.StaleJobFilter{
		Before: m.now().UTC().Add(-threshold),
		Limit:  limit,
	})
}

// ReconcileStale marks every stale job failed. Jobs that finished between
// the listing and the update are skipped.
func (m *JobManager) ReconcileStale(ctx context.Context, threshold time.Duration, actor string) ([]*domain.Job, error) {
	stale, err := m.ListStale(ctx, threshold, 0)
	if err != nil {
		return nil, err
	}

	reconciled := make([]*domain.Job, 0, len(stale))
	for _, candidate := range stale {
		job, err := m.fail(ctx, candidate.ID, reconciledMessage, domain.AuditActionJobReconciled, actor, map[string]any{
			"threshold":  threshold.String(),
			"updated_at": candidate.UpdatedAt.Format(time.RFC3339),
		})
		if errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return reconciled, fmt.Errorf("reconcile job %s: %w", candidate.ID, err)
		}
		m.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"job_type": job.Type,
			"actor":    actor,
		}).Info("stale job reconciled")
		reconciled = append(reconciled, job)
	}
	return reconciled, nil
}

// Prune deletes terminal jobs created more than olderThan ago.
func (m *JobManager) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, &domain.ValidationError{Field: "older_than", Reason: "must be greater than zero"}
	}
	deleted, err := m.repo.DeleteFinishedBefore(ctx, m.now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return deleted, nil
}

func jobDuration(job *domain.Job) time.Duration {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return 0
	}
	return job.CompletedAt.Sub(*job.StartedAt)
}
