package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

// Dispatcher hands a created job to its worker routine.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *domain.Job) error
}

// StatusView is the polling projection of a job.
type StatusView struct {
	JobID           string           `json:"job_id"`
	JobType         domain.JobType   `json:"job_type"`
	Status          domain.JobStatus `json:"status"`
	ProgressPercent int              `json:"progress_percent"`
	CurrentStep     string           `json:"current_step,omitempty"`
	Result          domain.Result    `json:"result_data,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	EstimateID      string           `json:"estimate_id,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

type JobsService struct {
	manager    *JobManager
	dispatcher Dispatcher
	logger     logrus.FieldLogger
}

func NewJobsService(manager *JobManager, dispatcher Dispatcher, logger logrus.FieldLogger) *JobsService {
	return &JobsService{manager: manager, dispatcher: dispatcher, logger: logger}
}

// Submit validates the payload, creates the job and dispatches it. It returns
// once the job exists; completion is observed through GetStatus.
func (s *JobsService) Submit(
	ctx context.Context,
	jobType domain.JobType,
	payload json.RawMessage,
	actor string,
) (string, error) {
	if err := ValidatePayload(jobType, payload); err != nil {
		return "", err
	}

	job, err := s.manager.Create(ctx, jobType, CreateMeta{
		Metadata:  payload,
		SubjectID: payloadSubject(jobType, payload),
		CreatedBy: actor,
	})
	if err != nil {
		return "", err
	}

	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		if _, failErr := s.manager.MarkFailedWithDiagnostics(ctx, job.ID, "job could not be dispatched", map[string]any{
			"dispatch_error": err.Error(),
		}); failErr != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"error":  failErr.Error(),
			}).Error("mark undispatched job failed")
		}
		return "", fmt.Errorf("dispatch job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
		"actor":    actor,
	}).Info("job submitted")
	return job.ID, nil
}

func (s *JobsService) GetStatus(ctx context.Context, jobID string) (*StatusView, error) {
	job, err := s.manager.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return NewStatusView(job)
}

func NewStatusView(job *domain.Job) (*StatusView, error) {
	result, err := domain.DecodeResult(job.Type, job.Result)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		JobID:           job.ID,
		JobType:         job.Type,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		CurrentStep:     job.CurrentStep,
		Result:          result,
		ErrorMessage:    job.ErrorMessage,
		EstimateID:      job.EstimateID,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}, nil
}

// payloadSubject extracts the document or project the job operates on.
func payloadSubject(jobType domain.JobType, payload json.RawMessage) string {
	switch jobType {
	case domain.JobTypeDocumentValidation:
		var input domain.DocumentValidationPayload
		if json.Unmarshal(payload, &input) == nil {
			return input.DocumentID
		}
	case domain.JobTypeEstimateGeneration:
		var input domain.EstimateGenerationPayload
		if json.Unmarshal(payload, &input) == nil {
			return input.ProjectID
		}
	}
	return ""
}
