package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	PendingJobStatus    JobStatus = "pending"
	ProcessingJobStatus JobStatus = "processing"
	CompletedJobStatus  JobStatus = "completed"
	FailedJobStatus     JobStatus = "failed"
	DeadJobStatus       JobStatus = "dead" // abandoned in processing with no attempts left
)

// DefaultMaxAttempts is the retry ceiling applied when a job does not set one.
const DefaultMaxAttempts = 3

// Job is one queued execution of a single workflow node within a run.
type Job struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	RunID       uuid.UUID  `json:"run_id" db:"run_id"`
	WorkflowID  string     `json:"workflow_id" db:"workflow_id"`
	NodeID      string     `json:"node_id" db:"node_id"`
	Payload     JSONMap    `json:"payload" db:"payload"`
	Result      JSONMap    `json:"result,omitempty" db:"result"`
	Status      JobStatus  `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	NextRunAt   time.Time  `json:"next_run_at" db:"next_run_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the job will never be claimed again.
func (j Job) Terminal() bool {
	switch j.Status {
	case CompletedJobStatus, FailedJobStatus, DeadJobStatus:
		return true
	}
	return false
}

// RunSummary counts the jobs of one run by status.
type RunSummary struct {
	RunID  uuid.UUID         `json:"run_id"`
	Counts map[JobStatus]int `json:"counts"`
	Jobs   []Job             `json:"jobs"`
}

// Active reports whether any job of the run can still execute.
func (r RunSummary) Active() bool {
	return r.Counts[PendingJobStatus] > 0 || r.Counts[ProcessingJobStatus] > 0
}
