package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusUploading  JobStatus = "uploading"
	JobStatusProcessing JobStatus = "processing"
	JobStatusReady      JobStatus = "ready"
	JobStatusSaved      JobStatus = "saved"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are expected for the job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSaved, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the server-side snapshot of a tracked upload.
type Job struct {
	ID           string
	OwnerKey     string
	FileID       string
	ReportType   ReportType
	FileName     string
	ContentType  string
	SizeBytes    int64
	PageCount    int
	Status       JobStatus
	PollAttempts int
	Analysis     json.RawMessage
	RiskLevel    string
	ErrorMessage string
	LastSequence int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobEvent is the transport format sent to queue backends. Sequence is
// monotonic per job and lets consumers drop redelivered or reordered events.
type JobEvent struct {
	JobID        string          `json:"job_id"`
	Sequence     int64           `json:"sequence"`
	Status       JobStatus       `json:"status"`
	FileID       string          `json:"file_id,omitempty"`
	PollAttempts int             `json:"poll_attempts"`
	Analysis     json.RawMessage `json:"analysis,omitempty"`
	RiskLevel    string          `json:"risk_level,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Attempt      int             `json:"attempt"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Apply folds the event into the job. It returns false when the event is
// not newer than what the job already reflects.
func (j *Job) Apply(event JobEvent) bool {
	if event.Sequence <= j.LastSequence {
		return false
	}
	j.LastSequence = event.Sequence
	j.Status = event.Status
	if event.FileID != "" {
		j.FileID = event.FileID
	}
	j.PollAttempts = event.PollAttempts
	if len(event.Analysis) > 0 {
		j.Analysis = append(json.RawMessage(nil), event.Analysis...)
		j.RiskLevel = event.RiskLevel
	}
	j.ErrorMessage = event.ErrorMessage
	j.UpdatedAt = event.OccurredAt
	return true
}

// JobListFilter narrows a listing to one owner's uploads.
type JobListFilter struct {
	OwnerKey string
	Status   JobStatus
	Page     int
	PageSize int
}
