package models

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionLog records one processed attempt of a job for auditing.
type ExecutionLog struct {
	ID         int64     `json:"id" db:"id"`
	JobID      uuid.UUID `json:"job_id" db:"job_id"`
	RunID      uuid.UUID `json:"run_id" db:"run_id"`
	WorkflowID string    `json:"workflow_id" db:"workflow_id"`
	NodeID     string    `json:"node_id" db:"node_id"`
	Attempt    int       `json:"attempt" db:"attempt"`
	Outcome    string    `json:"outcome" db:"outcome"` // "completed" | "failed"
	Message    string    `json:"message,omitempty" db:"message"`
	LoggedAt   time.Time `json:"logged_at" db:"logged_at"`
}
