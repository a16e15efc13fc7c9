package storage

import (
	"context"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrRecurringUnavailable = errors.New("recurring scheduling unavailable: scheduler extension is not installed")
	ErrInvalidSchedule      = errors.New("invalid cron expression")
	ErrWorkflowExists       = errors.New("workflow already exists")
)

// JobStore is the durable job queue. Every mutation of a job row goes
// through it; each operation is atomic on its own.
type JobStore interface {
	// EnsureSchema creates the backing structures if they are missing.
	// A missing scheduler extension only disables recurring seeds.
	EnsureSchema(ctx context.Context) error

	// Enqueue inserts job as pending with zero attempts, eligible after delay.
	// The store assigns the ID; MaxAttempts <= 0 takes the store default.
	Enqueue(ctx context.Context, job models.Job, delay time.Duration) (uuid.UUID, error)

	// ClaimNext moves the oldest eligible pending job to processing and
	// returns it. It returns nil, nil when nothing is eligible. Concurrent
	// callers never receive the same job.
	ClaimNext(ctx context.Context) (*models.Job, error)

	// Complete records output on a processing job. Unknown ids are a no-op.
	Complete(ctx context.Context, id uuid.UUID, output models.JSONMap) error

	// Fail consumes one attempt. With attempts left the job goes back to
	// pending after retryDelay (<= 0 means the store's backoff), otherwise
	// it is failed permanently. Unknown ids are a no-op.
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error

	ScheduleRecurring(ctx context.Context, workflowID, nodeID, cronExpr string, payload models.JSONMap) error
	CancelRecurring(ctx context.Context, workflowID string) error

	GetJob(ctx context.Context, id uuid.UUID) (models.Job, error)
	ListRunJobs(ctx context.Context, runID uuid.UUID) ([]models.Job, error)

	// ReclaimStale returns processing jobs locked longer than olderThan to
	// pending, or marks them dead when no attempts are left.
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// WorkflowReader resolves workflow definitions. A missing workflow is ErrNotFound.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, id string) (models.Workflow, error)
}

// WorkflowWriter persists workflow definitions. SaveWorkflow replaces any
// previous version; CreateWorkflow fails with ErrWorkflowExists instead.
type WorkflowWriter interface {
	SaveWorkflow(ctx context.Context, wf models.Workflow) error
	CreateWorkflow(ctx context.Context, wf models.Workflow) error
}

// AuditLogger records per-step execution history.
type AuditLogger interface {
	LogExecution(ctx context.Context, entry models.ExecutionLog) error
}

// Store is everything a tenant database provides.
type Store interface {
	JobStore
	WorkflowReader
	WorkflowWriter
	AuditLogger
	Close() error
}
