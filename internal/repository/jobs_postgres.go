package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

const jobColumns = `id, job_type, status, progress_percent, current_step, metadata, result_data,
	error_message, subject_id, estimate_id, created_by, created_at, started_at, completed_at, updated_at`

// PostgresJobsRepository writes every statement in autocommit mode or in its
// own short transaction, so progress stays visible to pollers while a worker
// holds a separate unit of work open.
type PostgresJobsRepository struct {
	db  DB
	now func() time.Time
}

func NewPostgresJobsRepository(db DB) *PostgresJobsRepository {
	return &PostgresJobsRepository{db: db, now: time.Now}
}

func (r *PostgresJobsRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO background_jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		job.ID,
		string(job.Type),
		string(job.Status),
		job.ProgressPercent,
		job.CurrentStep,
		nullJSON(job.Metadata),
		nullJSON(job.Result),
		job.ErrorMessage,
		job.SubjectID,
		job.EstimateID,
		job.CreatedBy,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *PostgresJobsRepository) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	// Ids are UUID columns; anything else cannot name a stored job.
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (r *PostgresJobsRepository) UpdateJob(
	ctx context.Context,
	jobID string,
	mutate func(*domain.Job) error,
) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrNotFound
	}
	var updated *domain.Job
	err := inTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM background_jobs WHERE id = $1 FOR UPDATE`, jobID)
		current, err := scanJob(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock job: %w", err)
		}

		if err := mutate(current); err != nil {
			if errors.Is(err, ErrNoChange) {
				updated = current
				return nil
			}
			return err
		}
		current.UpdatedAt = r.now().UTC()

		_, err = tx.Exec(ctx, `
			UPDATE background_jobs
			SET status = $2,
				progress_percent = $3,
				current_step = $4,
				result_data = $5,
				error_message = $6,
				estimate_id = $7,
				started_at = $8,
				completed_at = $9,
				updated_at = $10
			WHERE id = $1
		`,
			current.ID,
			string(current.Status),
			current.ProgressPercent,
			current.CurrentStep,
			nullJSON(current.Result),
			current.ErrorMessage,
			current.EstimateID,
			current.StartedAt,
			current.CompletedAt,
			current.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		updated = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresJobsRepository) ListStaleJobs(ctx context.Context, filter domain.StaleJobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM background_jobs
		WHERE status = 'running' AND updated_at < $1
		ORDER BY updated_at ASC`
	args := []any{filter.Before}
	if filter.Limit > 0 {
		query += " LIMIT $2"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate stale jobs: %w", rows.Err())
	}
	return jobs, nil
}

func (r *PostgresJobsRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	command, err := r.db.Exec(ctx, `
		DELETE FROM background_jobs
		WHERE status IN ('completed', 'failed') AND created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return command.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job      domain.Job
		jobType  string
		status   string
		metadata []byte
		result   []byte
	)
	err := row.Scan(
		&job.ID,
		&jobType,
		&status,
		&job.ProgressPercent,
		&job.CurrentStep,
		&metadata,
		&result,
		&job.ErrorMessage,
		&job.SubjectID,
		&job.EstimateID,
		&job.CreatedBy,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Type = domain.JobType(jobType)
	job.Status = domain.JobStatus(status)
	if len(metadata) > 0 {
		job.Metadata = json.RawMessage(metadata)
	}
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	return &job, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
