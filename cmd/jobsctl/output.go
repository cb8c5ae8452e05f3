package main

import (
	"encoding/json"
	"io"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
)

type jobOutput struct {
	JobID        string    `json:"job_id"`
	JobType      string    `json:"job_type"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress_percent"`
	CurrentStep  string    `json:"current_step,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type commandOutput struct {
	Command    string      `json:"command"`
	DurationMS int64       `json:"duration_ms"`
	Applied    bool        `json:"applied"`
	Jobs       []jobOutput `json:"jobs,omitempty"`
	Deleted    *int64      `json:"deleted,omitempty"`
	Imported   *int        `json:"imported,omitempty"`
}

func jobOutputs(jobs []*domain.Job) []jobOutput {
	out := make([]jobOutput, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobOutput{
			JobID:        job.ID,
			JobType:      string(job.Type),
			Status:       string(job.Status),
			Progress:     job.ProgressPercent,
			CurrentStep:  job.CurrentStep,
			ErrorMessage: job.ErrorMessage,
			UpdatedAt:    job.UpdatedAt,
		})
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
