package service

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
)

type managerFixture struct {
	manager *JobManager
	jobs    *repository.MemoryJobsRepository
	audit   *repository.MemoryAuditRepository
	logs    *bytes.Buffer
}

func newManagerFixture(t *testing.T) managerFixture {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := logging.NewWithOutput(logs, "debug", "json")
	jobs := repository.NewMemoryJobsRepository()
	audit := repository.NewMemoryAuditRepository()
	return managerFixture{
		manager: NewJobManager(jobs, NewAuditRecorder(audit, logger), logger),
		jobs:    jobs,
		audit:   audit,
		logs:    logs,
	}
}

func (f managerFixture) running(t *testing.T, jobType domain.JobType) *domain.Job {
	t.Helper()
	job, err := f.manager.Create(context.Background(), jobType, CreateMeta{CreatedBy: "user-1"})
	require.NoError(t, err)
	job, err = f.manager.Start(context.Background(), job.ID)
	require.NoError(t, err)
	return job
}

func TestJobManagerCreateStartsPending(t *testing.T) {
	f := newManagerFixture(t)

	for _, jobType := range domain.JobTypes {
		t.Run(string(jobType), func(t *testing.T) {
			job, err := f.manager.Create(context.Background(), jobType, CreateMeta{
				Metadata:  []byte(`{"project_id":"p-1"}`),
				SubjectID: "p-1",
			})
			require.NoError(t, err)
			assert.NotEmpty(t, job.ID)

			stored, err := f.manager.Get(context.Background(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.JobStatusPending, stored.Status)
			assert.Zero(t, stored.ProgressPercent)
			assert.Nil(t, stored.StartedAt)
			assert.Equal(t, "p-1", stored.SubjectID)
		})
	}
}

func TestJobManagerCreateRejectsUnknownType(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.Create(context.Background(), domain.JobType("report"), CreateMeta{})
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "job_type", validationErr.Field)
}

func TestJobManagerStartOnlyFromPending(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeDocumentValidation)
	require.NotNil(t, job.StartedAt)

	_, err := f.manager.Start(context.Background(), job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.manager.Start(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobManagerUpdateProgressNeverDecreases(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeDocumentValidation)
	ctx := context.Background()

	updated, err := f.manager.UpdateProgress(ctx, job.ID, 55, "Running LLM validation")
	require.NoError(t, err)
	assert.Equal(t, 55, updated.ProgressPercent)

	updated, err = f.manager.UpdateProgress(ctx, job.ID, 20, "Downloading from blob storage")
	require.NoError(t, err)
	assert.Equal(t, 55, updated.ProgressPercent)
	assert.Equal(t, "Downloading from blob storage", updated.CurrentStep)
	assert.Contains(t, f.logs.String(), "job progress clamped")
	assert.Contains(t, f.logs.String(), `"level":"warning"`)
}

func TestJobManagerUpdateProgressReservesCompletion(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeDocumentValidation)

	updated, err := f.manager.UpdateProgress(context.Background(), job.ID, 150, "Finishing")
	require.NoError(t, err)
	assert.Equal(t, 99, updated.ProgressPercent)
}

func TestJobManagerUpdateProgressRequiresRunning(t *testing.T) {
	f := newManagerFixture(t)
	job, err := f.manager.Create(context.Background(), domain.JobTypeDocumentValidation, CreateMeta{})
	require.NoError(t, err)

	_, err = f.manager.UpdateProgress(context.Background(), job.ID, 10, "Loading document")
	require.ErrorIs(t, err, domain.ErrInvalidState)

	stored, err := f.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.CurrentStep)
}

func TestJobManagerMarkCompletedIsIdempotent(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeEstimateGeneration)
	ctx := context.Background()

	result := domain.EstimateGenerationResult{
		EstimateID:     "est-1",
		ProjectID:      "p-1",
		EstimateNumber: "PRJ-1-EST-1",
		AACEClass:      domain.AACEClass3,
		BaseCost:       decimal.NewFromInt(1000),
		LineItemCount:  3,
	}
	first, err := f.manager.MarkCompleted(ctx, job.ID, result)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, first.Status)
	assert.Equal(t, 100, first.ProgressPercent)
	assert.Equal(t, "est-1", first.EstimateID)
	require.NotNil(t, first.CompletedAt)

	second, err := f.manager.MarkCompleted(ctx, job.ID, result)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	entries, err := f.audit.ListAudit(ctx, domain.AuditFilter{Action: domain.AuditActionJobCompleted})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestJobManagerMarkCompletedRejectsMismatchedResult(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeEstimateGeneration)

	_, err := f.manager.MarkCompleted(context.Background(), job.ID, domain.DocumentValidationResult{DocumentID: "d-1"})
	require.ErrorIs(t, err, domain.ErrValidation)

	stored, err := f.manager.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
}

func TestJobManagerMarkFailedSanitizes(t *testing.T) {
	f := newManagerFixture(t)
	job := f.running(t, domain.JobTypeDocumentValidation)
	ctx := context.Background()

	failed, err := f.manager.MarkFailedWithDiagnostics(ctx, job.ID,
		"connect postgres://apex:hunter2@db:5432/apex failed",
		map[string]any{"stage": "parse"},
	)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.NotContains(t, failed.ErrorMessage, "hunter2")
	assert.Empty(t, failed.Result)
	require.NotNil(t, failed.CompletedAt)

	entries, err := f.audit.ListAudit(ctx, domain.AuditFilter{SubjectID: job.ID, Action: domain.AuditActionJobFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "parse", entries[0].Detail["stage"])
	assert.Equal(t, "user-1", entries[0].Actor)
}

func TestJobManagerMarkFailedFromPending(t *testing.T) {
	f := newManagerFixture(t)
	job, err := f.manager.Create(context.Background(), domain.JobTypeDocumentValidation, CreateMeta{})
	require.NoError(t, err)

	failed, err := f.manager.MarkFailed(context.Background(), job.ID, "document not found")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, "document not found", failed.ErrorMessage)
}

func TestJobManagerTerminalStatesAreFinal(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	completed := f.running(t, domain.JobTypeDocumentValidation)
	_, err := f.manager.MarkCompleted(ctx, completed.ID, domain.DocumentValidationResult{DocumentID: "d-1"})
	require.NoError(t, err)

	failed := f.running(t, domain.JobTypeDocumentValidation)
	_, err = f.manager.MarkFailed(ctx, failed.ID, "boom")
	require.NoError(t, err)

	for _, jobID := range []string{completed.ID, failed.ID} {
		before, err := f.manager.Get(ctx, jobID)
		require.NoError(t, err)

		_, err = f.manager.Start(ctx, jobID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		_, err = f.manager.UpdateProgress(ctx, jobID, 50, "again")
		assert.ErrorIs(t, err, domain.ErrInvalidState)
		_, err = f.manager.MarkFailed(ctx, jobID, "again")
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		after, err := f.manager.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, before, after)
	}

	_, err = f.manager.MarkCompleted(ctx, failed.ID, domain.DocumentValidationResult{DocumentID: "d-1"})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestJobManagerListStaleRequiresThreshold(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.ListStale(context.Background(), 0, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestJobManagerReconcileStale(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	stale := f.running(t, domain.JobTypeEstimateGeneration)
	fresh := f.running(t, domain.JobTypeEstimateGeneration)
	f.jobs.Touch(stale.ID, time.Now().UTC().Add(-2*time.Hour))

	listed, err := f.manager.ListStale(ctx, time.Hour, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, stale.ID, listed[0].ID)

	reconciled, err := f.manager.ReconcileStale(ctx, time.Hour, "operator")
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, domain.JobStatusFailed, reconciled[0].Status)
	assert.NotEmpty(t, reconciled[0].ErrorMessage)

	stored, err := f.manager.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)

	entries, err := f.audit.ListAudit(ctx, domain.AuditFilter{Action: domain.AuditActionJobReconciled})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "operator", entries[0].Actor)
	assert.Equal(t, "1h0m0s", entries[0].Detail["threshold"])
}

func TestJobManagerPrune(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()
	f.manager.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old := f.running(t, domain.JobTypeDocumentValidation)
	_, err := f.manager.MarkFailed(ctx, old.ID, "boom")
	require.NoError(t, err)
	f.manager.now = time.Now

	_, err = f.manager.Prune(ctx, 0)
	require.ErrorIs(t, err, domain.ErrValidation)

	deleted, err := f.manager.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

type failingAuditRepository struct{}

func (failingAuditRepository) AppendAudit(context.Context, *domain.AuditEntry) error {
	return errors.New("audit store down")
}

func (failingAuditRepository) ListAudit(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

func TestAuditFailureDoesNotAbortTransition(t *testing.T) {
	logs := &bytes.Buffer{}
	logger := logging.NewWithOutput(logs, "info", "text")
	manager := NewJobManager(repository.NewMemoryJobsRepository(), NewAuditRecorder(failingAuditRepository{}, logger), logger)
	ctx := context.Background()

	job, err := manager.Create(ctx, domain.JobTypeDocumentValidation, CreateMeta{})
	require.NoError(t, err)
	_, err = manager.Start(ctx, job.ID)
	require.NoError(t, err)

	completed, err := manager.MarkCompleted(ctx, job.ID, domain.DocumentValidationResult{DocumentID: "d-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
	assert.Contains(t, logs.String(), "audit record failed")
	assert.Contains(t, logs.String(), "level="+logrus.ErrorLevel.String())
}
