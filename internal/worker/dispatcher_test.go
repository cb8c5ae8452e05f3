package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/queue"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

type engine struct {
	manager    *service.JobManager
	recorder   *service.AuditRecorder
	audit      *repository.MemoryAuditRepository
	dispatcher *Dispatcher
	jobs       *service.JobsService
}

func newEngine(t *testing.T, mode Mode, producer queue.Producer) *engine {
	t.Helper()
	logger := logging.Discard()
	audit := repository.NewMemoryAuditRepository()
	recorder := service.NewAuditRecorder(audit, logger)
	manager := service.NewJobManager(repository.NewMemoryJobsRepository(), recorder, logger)
	dispatcher, err := NewDispatcher(DispatcherConfig{Mode: mode}, manager, recorder, producer, logger)
	require.NoError(t, err)
	return &engine{
		manager:    manager,
		recorder:   recorder,
		audit:      audit,
		dispatcher: dispatcher,
		jobs:       service.NewJobsService(manager, dispatcher, logger),
	}
}

func (e *engine) status(t *testing.T, jobID string) *service.StatusView {
	t.Helper()
	status, err := e.jobs.GetStatus(context.Background(), jobID)
	require.NoError(t, err)
	return status
}

var documentPayload = json.RawMessage(`{"document_id":"doc-1"}`)

func completeDocument(ctx context.Context, run *RunContext) error {
	if err := run.Progress(ctx, 50, "Validating"); err != nil {
		return err
	}
	return run.Complete(ctx, domain.DocumentValidationResult{DocumentID: "doc-1", ValidationStatus: domain.ValidationStatusPassed})
}

func TestNewDispatcherValidatesMode(t *testing.T) {
	logger := logging.Discard()
	_, err := NewDispatcher(DispatcherConfig{Mode: "sometimes"}, nil, nil, nil, logger)
	assert.Error(t, err)

	_, err = NewDispatcher(DispatcherConfig{Mode: ModeQueued}, nil, nil, nil, logger)
	assert.Error(t, err)
}

func TestInlineDispatchCompletesBeforeReturning(t *testing.T) {
	e := newEngine(t, ModeInline, nil)
	e.dispatcher.Register(domain.JobTypeDocumentValidation, completeDocument)

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "user-1")
	require.NoError(t, err)

	status := e.status(t, jobID)
	assert.Equal(t, domain.JobStatusCompleted, status.Status)
	assert.Equal(t, 100, status.ProgressPercent)
	assert.NotNil(t, status.Result)
}

func TestInlineDispatchRoutineErrorFailsJob(t *testing.T) {
	e := newEngine(t, ModeInline, nil)
	e.dispatcher.Register(domain.JobTypeEstimateGeneration, func(ctx context.Context, run *RunContext) error {
		if err := run.Progress(ctx, 25, "Running estimate generator"); err != nil {
			return err
		}
		return errors.New("risk simulator: dial tcp 10.0.0.7:443: token=sk-live-abc123 rejected")
	})

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeEstimateGeneration, json.RawMessage(`{"project_id":"p-1"}`), "user-1")
	require.NoError(t, err)

	status := e.status(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, status.Status)
	assert.Equal(t, "estimate-generation job failed: internal error", status.ErrorMessage)
	assert.Nil(t, status.Result)
	assert.Equal(t, 25, status.ProgressPercent)

	entries, err := e.audit.ListAudit(context.Background(), domain.AuditFilter{SubjectID: jobID, Action: domain.AuditActionJobFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	diagnostic, ok := entries[0].Detail["error"].(string)
	require.True(t, ok)
	assert.Contains(t, diagnostic, "risk simulator")
	assert.NotContains(t, diagnostic, "sk-live-abc123")
}

func TestInlineDispatchRecoversPanics(t *testing.T) {
	e := newEngine(t, ModeInline, nil)
	e.dispatcher.Register(domain.JobTypeDocumentValidation, func(context.Context, *RunContext) error {
		panic("parser crashed")
	})

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "")
	require.NoError(t, err)

	status := e.status(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, status.Status)
	assert.Equal(t, "document-validation job failed: internal error", status.ErrorMessage)
}

func TestDispatchFailsJobLeftRunning(t *testing.T) {
	e := newEngine(t, ModeInline, nil)
	e.dispatcher.Register(domain.JobTypeDocumentValidation, func(ctx context.Context, run *RunContext) error {
		return run.Progress(ctx, 40, "Parsing document")
	})

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "")
	require.NoError(t, err)

	status := e.status(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, status.Status)
	assert.Equal(t, unfinishedMessage, status.ErrorMessage)
}

func TestDispatchVisibleErrorsKeepTheirMessage(t *testing.T) {
	e := newEngine(t, ModeInline, nil)
	e.dispatcher.Register(domain.JobTypeEstimateGeneration, func(context.Context, *RunContext) error {
		return &domain.ConflictError{AggregateKey: "PRJ-1-EST-1"}
	})

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeEstimateGeneration, json.RawMessage(`{"project_id":"p-1"}`), "")
	require.NoError(t, err)

	status := e.status(t, jobID)
	assert.Equal(t, domain.JobStatusFailed, status.Status)
	assert.Equal(t, "aggregate conflict: PRJ-1-EST-1", status.ErrorMessage)
}

func TestDispatchWithoutRoutineRejectsSubmission(t *testing.T) {
	e := newEngine(t, ModeInline, nil)

	_, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestBackgroundDispatchReturnsImmediately(t *testing.T) {
	e := newEngine(t, ModeBackground, nil)
	release := make(chan struct{})
	e.dispatcher.Register(domain.JobTypeDocumentValidation, func(ctx context.Context, run *RunContext) error {
		<-release
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return completeDocument(ctx, run)
	})

	ctx, cancel := context.WithCancel(context.Background())
	jobID, err := e.jobs.Submit(ctx, domain.JobTypeDocumentValidation, documentPayload, "")
	require.NoError(t, err)

	// the request ends before the routine does
	cancel()
	require.Eventually(t, func() bool {
		return e.status(t, jobID).Status == domain.JobStatusRunning
	}, time.Second, 5*time.Millisecond)

	close(release)
	e.dispatcher.Wait()
	assert.Equal(t, domain.JobStatusCompleted, e.status(t, jobID).Status)
}

// flakyJobs fails the next failUpdates job updates, then behaves.
type flakyJobs struct {
	repository.JobsRepository
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyJobs) UpdateJob(ctx context.Context, jobID string, mutate func(*domain.Job) error) (*domain.Job, error) {
	f.mu.Lock()
	fail := f.failUpdates > 0
	if fail {
		f.failUpdates--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return f.JobsRepository.UpdateJob(ctx, jobID, mutate)
}

func (f *flakyJobs) failNext(n int) {
	f.mu.Lock()
	f.failUpdates = n
	f.mu.Unlock()
}

func TestBackgroundDispatchStartFailureFailsJob(t *testing.T) {
	logger := logging.Discard()
	audit := repository.NewMemoryAuditRepository()
	recorder := service.NewAuditRecorder(audit, logger)
	jobsRepo := &flakyJobs{JobsRepository: repository.NewMemoryJobsRepository()}
	manager := service.NewJobManager(jobsRepo, recorder, logger)
	dispatcher, err := NewDispatcher(DispatcherConfig{Mode: ModeBackground}, manager, recorder, nil, logger)
	require.NoError(t, err)
	ran := false
	dispatcher.Register(domain.JobTypeDocumentValidation, func(ctx context.Context, run *RunContext) error {
		ran = true
		return completeDocument(ctx, run)
	})

	ctx := context.Background()
	job, err := manager.Create(ctx, domain.JobTypeDocumentValidation, service.CreateMeta{Metadata: documentPayload})
	require.NoError(t, err)

	jobsRepo.failNext(1)
	require.NoError(t, dispatcher.Dispatch(ctx, job))
	dispatcher.Wait()

	stored, err := manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Equal(t, startFailureMessage, stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)
	assert.False(t, ran)

	entries, err := audit.ListAudit(ctx, domain.AuditFilter{SubjectID: job.ID, Action: domain.AuditActionJobFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "start", entries[0].Detail["stage"])
	assert.Equal(t, "connection reset by peer", entries[0].Detail["error"])
}

func TestExecuteReportsStartAndMarkFailures(t *testing.T) {
	logger := logging.Discard()
	recorder := service.NewAuditRecorder(repository.NewMemoryAuditRepository(), logger)
	jobsRepo := &flakyJobs{JobsRepository: repository.NewMemoryJobsRepository()}
	manager := service.NewJobManager(jobsRepo, recorder, logger)
	dispatcher, err := NewDispatcher(DispatcherConfig{Mode: ModeInline}, manager, recorder, nil, logger)
	require.NoError(t, err)
	dispatcher.Register(domain.JobTypeDocumentValidation, completeDocument)

	ctx := context.Background()
	job, err := manager.Create(ctx, domain.JobTypeDocumentValidation, service.CreateMeta{Metadata: documentPayload})
	require.NoError(t, err)

	// the store is down for both the start and the failure write
	jobsRepo.failNext(2)
	err = dispatcher.Execute(ctx, job.ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "mark job failed")

	stored, err := manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)

	// an already finished job is not touched again
	require.NoError(t, dispatcher.Execute(ctx, job.ID))
	err = dispatcher.Execute(ctx, job.ID)
	require.ErrorIs(t, err, domain.ErrInvalidState)
	stored, err = manager.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
}

func TestQueuedDispatchRunsThroughProcessor(t *testing.T) {
	local := queue.NewLocalQueue(8, 3, logging.Discard())
	e := newEngine(t, ModeQueued, local)
	e.dispatcher.Register(domain.JobTypeDocumentValidation, completeDocument)

	jobID, err := e.jobs.Submit(context.Background(), domain.JobTypeDocumentValidation, documentPayload, "")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, e.status(t, jobID).Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	processor := NewProcessor(local, e.dispatcher, logging.Discard())
	go processor.Start(ctx)

	require.Eventually(t, func() bool {
		return e.status(t, jobID).Status == domain.JobStatusCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestProcessorTreatsFinishedJobsAsPermanent(t *testing.T) {
	e := newEngine(t, ModeQueued, queue.NewLocalQueue(1, 1, logging.Discard()))
	processor := NewProcessor(nil, e.dispatcher, logging.Discard())

	err := processor.processMessage(context.Background(), domain.QueueMessage{JobID: "missing"})
	assert.True(t, queue.IsPermanent(err))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
