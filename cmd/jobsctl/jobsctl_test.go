package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
)

type fixture struct {
	jobs      *repository.MemoryJobsRepository
	audit     *repository.MemoryAuditRepository
	costCodes *repository.MemoryCostCodeRepository
	manager   *service.JobManager
	migrated  bool
	closed    int
}

func newFixture() *fixture {
	logger := logging.Discard()
	f := &fixture{
		jobs:      repository.NewMemoryJobsRepository(),
		audit:     repository.NewMemoryAuditRepository(),
		costCodes: repository.NewMemoryCostCodeRepository(),
	}
	f.manager = service.NewJobManager(f.jobs, service.NewAuditRecorder(f.audit, logger), logger)
	return f
}

func (f *fixture) open(context.Context) (*runtime, error) {
	return &runtime{
		manager:   f.manager,
		costCodes: f.costCodes,
		migrate: func(context.Context) error {
			f.migrated = true
			return nil
		},
		close: func() { f.closed++ },
	}, nil
}

func (f *fixture) staleJob(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	job, err := f.manager.Create(ctx, domain.JobTypeEstimateGeneration, service.CreateMeta{})
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, job.ID)
	require.NoError(t, err)
	f.jobs.Touch(job.ID, time.Now().Add(-time.Hour))
	return job.ID
}

func run(t *testing.T, f *fixture, args ...string) (commandOutput, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(f.open)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		return commandOutput{}, err
	}
	var decoded commandOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded), out.String())
	return decoded, nil
}

func TestStaleRequiresThreshold(t *testing.T) {
	f := newFixture()

	_, err := run(t, f, "stale")
	assert.Error(t, err)

	_, err = run(t, f, "stale", "--threshold", "0s")
	assert.Error(t, err)
	assert.Zero(t, f.closed)
}

func TestStaleListsJobs(t *testing.T) {
	f := newFixture()
	jobID := f.staleJob(t)

	out, err := run(t, f, "stale", "--threshold", "30m")
	require.NoError(t, err)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, jobID, out.Jobs[0].JobID)
	assert.Equal(t, "running", out.Jobs[0].Status)
	assert.Equal(t, 1, f.closed)
}

func TestReconcileDryRunLeavesJobsRunning(t *testing.T) {
	f := newFixture()
	jobID := f.staleJob(t)

	out, err := run(t, f, "reconcile", "--threshold", "30m")
	require.NoError(t, err)
	assert.False(t, out.Applied)
	require.Len(t, out.Jobs, 1)

	job, err := f.manager.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
}

func TestReconcileApplyFailsJobs(t *testing.T) {
	f := newFixture()
	jobID := f.staleJob(t)

	out, err := run(t, f, "reconcile", "--threshold", "30m", "--apply", "--actor", "ops-1")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	require.Len(t, out.Jobs, 1)
	assert.Equal(t, "failed", out.Jobs[0].Status)

	entries, err := f.audit.ListAudit(context.Background(), domain.AuditFilter{
		SubjectID: jobID,
		Action:    domain.AuditActionJobReconciled,
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops-1", entries[0].Actor)
}

func TestPruneDeletesFinishedJobs(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.manager.Create(ctx, domain.JobTypeDocumentValidation, service.CreateMeta{})
	require.NoError(t, err)
	_, err = f.manager.MarkFailed(ctx, job.ID, "abandoned")
	require.NoError(t, err)

	out, err := run(t, f, "prune", "--older-than", "1h")
	require.NoError(t, err)
	require.NotNil(t, out.Deleted)
	assert.Zero(t, *out.Deleted)

	_, err = run(t, f, "prune")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	f := newFixture()

	out, err := run(t, f, "migrate")
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.True(t, f.migrated)
}
