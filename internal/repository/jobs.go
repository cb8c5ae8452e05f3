package repository

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

var ErrNotFound = domain.ErrNotFound

// ErrNoChange is returned by an Update mutator to leave the record untouched
// and hand back its current state.
var ErrNoChange = errors.New("no change")

// JobsRepository abstracts job persistence and query operations.
type JobsRepository interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// UpdateJob applies mutate to the current record atomically. A mutator
	// error aborts the write and is returned unchanged.
	UpdateJob(ctx context.Context, jobID string, mutate func(*domain.Job) error) (*domain.Job, error)
	ListStaleJobs(ctx context.Context, filter domain.StaleJobFilter) ([]*domain.Job, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryJobsRepository stores jobs in memory for local development and tests.
type MemoryJobsRepository struct {
	mu   sync.RWMutex
	jobs map[string]*domain.Job
	now  func() time.Time
}

func NewMemoryJobsRepository() *MemoryJobsRepository {
	return &MemoryJobsRepository{
		jobs: make(map[string]*domain.Job),
		now:  time.Now,
	}
}

func (r *MemoryJobsRepository) CreateJob(_ context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return &domain.ValidationError{Field: "id", Reason: "job already exists"}
	}
	r.jobs[job.ID] = job.Clone()
	return nil
}

func (r *MemoryJobsRepository) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (r *MemoryJobsRepository) UpdateJob(
	_ context.Context,
	jobID string,
	mutate func(*domain.Job) error,
) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current.Clone(), nil
		}
		return nil, err
	}
	working.UpdatedAt = r.now().UTC()
	r.jobs[jobID] = working
	return working.Clone(), nil
}

func (r *MemoryJobsRepository) ListStaleJobs(_ context.Context, filter domain.StaleJobFilter) ([]*domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stale := make([]*domain.Job, 0)
	for _, job := range r.jobs {
		if job.Status != domain.JobStatusRunning {
			continue
		}
		if !job.UpdatedAt.Before(filter.Before) {
			continue
		}
		stale = append(stale, job.Clone())
	}

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if filter.Limit > 0 && len(stale) > filter.Limit {
		stale = stale[:filter.Limit]
	}
	return stale, nil
}

func (r *MemoryJobsRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(r.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Touch rewrites UpdatedAt; tests use it to age a running job.
func (r *MemoryJobsRepository) Touch(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[jobID]; ok {
		job.UpdatedAt = at
	}
}
