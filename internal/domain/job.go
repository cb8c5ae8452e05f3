package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type JobType string

const (
	JobTypeDocumentValidation JobType = "document-validation"
	JobTypeEstimateGeneration JobType = "estimate-generation"
)

// JobTypes lists every job type accepted by the engine.
var JobTypes = []JobType{
	JobTypeDocumentValidation,
	JobTypeEstimateGeneration,
}

func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

func ParseJobType(value string) (JobType, error) {
	jobType := JobType(strings.TrimSpace(value))
	if !jobType.Valid() {
		return "", &ValidationError{Field: "job_type", Reason: fmt.Sprintf("unknown job type %q", value)}
	}
	return jobType, nil
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is the durable record of one background operation.
type Job struct {
	ID              string
	Type            JobType
	Status          JobStatus
	ProgressPercent int
	CurrentStep     string
	Metadata        json.RawMessage
	Result          json.RawMessage
	ErrorMessage    string
	SubjectID       string
	EstimateID      string
	CreatedBy       string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Metadata = append(json.RawMessage(nil), j.Metadata...)
	clone.Result = append(json.RawMessage(nil), j.Result...)
	if j.StartedAt != nil {
		startedAt := *j.StartedAt
		clone.StartedAt = &startedAt
	}
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

// QueueMessage is the transport format sent to queue backends.
type QueueMessage struct {
	JobID       string          `json:"job_id"`
	Type        JobType         `json:"job_type"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	RequestedAt time.Time       `json:"requested_at"`

	// Trace carries the submitting request's trace context across the queue.
	Trace map[string]string `json:"trace,omitempty"`
}

// StaleJobFilter selects running jobs without a write since Before.
type StaleJobFilter struct {
	Before time.Time
	Limit  int
}
