package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// MockStore implements Store in memory. A single mutex serializes every
// operation, which is what makes ClaimNext exclusive.
type MockStore struct {
	mu        sync.Mutex
	opts      Options
	jobs      map[uuid.UUID]*models.Job
	seq       map[uuid.UUID]int64 // insertion order, breaks next_run_at ties
	nextSeq   int64
	workflows map[string]models.Workflow
	logs      []models.ExecutionLog
	cron      *cron.Cron
	recurring map[string]cron.EntryID
	closed    bool
}

func NewMockStore(opts ...Option) *MockStore {
	return &MockStore{
		opts:      NewOptions(opts...),
		jobs:      make(map[uuid.UUID]*models.Job),
		seq:       make(map[uuid.UUID]int64),
		workflows: make(map[string]models.Workflow),
		recurring: make(map[string]cron.EntryID),
	}
}

func (m *MockStore) EnsureSchema(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("store closed")
	}
	return nil
}

func (m *MockStore) Enqueue(ctx context.Context, job models.Job, delay time.Duration) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return uuid.Nil, errors.New("store closed")
	}
	if job.WorkflowID == "" || job.NodeID == "" {
		return uuid.Nil, errors.New("workflow id and node id are required")
	}
	if delay < 0 {
		delay = 0
	}
	now := m.opts.Now()
	j := models.Job{
		ID:          uuid.New(),
		RunID:       job.RunID,
		WorkflowID:  job.WorkflowID,
		NodeID:      job.NodeID,
		Payload:     job.Payload.Clone(),
		Status:      models.PendingJobStatus,
		MaxAttempts: m.opts.ResolveMaxAttempts(job.MaxAttempts),
		NextRunAt:   now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if j.RunID == uuid.Nil {
		j.RunID = uuid.New()
	}
	m.jobs[j.ID] = &j
	m.nextSeq++
	m.seq[j.ID] = m.nextSeq
	return j.ID, nil
}

func (m *MockStore) ClaimNext(ctx context.Context) (*models.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("store closed")
	}
	now := m.opts.Now()
	var pick *models.Job
	for _, j := range m.jobs {
		if j.Status != models.PendingJobStatus || j.NextRunAt.After(now) {
			continue
		}
		if pick == nil || j.NextRunAt.Before(pick.NextRunAt) ||
			(j.NextRunAt.Equal(pick.NextRunAt) && m.seq[j.ID] < m.seq[pick.ID]) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}
	pick.Status = models.ProcessingJobStatus
	pick.LockedAt = &now
	pick.UpdatedAt = now
	claimed := *pick
	claimed.Payload = pick.Payload.Clone()
	return &claimed, nil
}

func (m *MockStore) Complete(ctx context.Context, id uuid.UUID, output models.JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.ProcessingJobStatus {
		return nil
	}
	j.Status = models.CompletedJobStatus
	j.Result = output.Clone()
	j.LockedAt = nil
	j.UpdatedAt = m.opts.Now()
	return nil
}

func (m *MockStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.ProcessingJobStatus {
		return nil
	}
	now := m.opts.Now()
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = now
	if j.Attempts+1 >= j.MaxAttempts {
		j.Attempts++
		j.Status = models.FailedJobStatus
		return nil
	}
	j.Attempts++
	j.Status = models.PendingJobStatus
	j.NextRunAt = now.Add(m.opts.RetryDelay(retryDelay, j.Attempts))
	return nil
}

func (m *MockStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, j := range m.jobs {
		if j.Status != models.ProcessingJobStatus || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
			continue
		}
		j.Attempts++
		j.LockedAt = nil
		j.UpdatedAt = now
		j.LastError = "reclaimed after processing lease expired"
		if j.Attempts >= j.MaxAttempts {
			j.Status = models.DeadJobStatus
		} else {
			j.Status = models.PendingJobStatus
			j.NextRunAt = now
		}
		n++
	}
	return n, nil
}

func (m *MockStore) GetJob(ctx context.Context, id uuid.UUID) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func (m *MockStore) ListRunJobs(ctx context.Context, runID uuid.UUID) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Job
	for _, j := range m.jobs {
		if j.RunID == runID {
			out = append(out, *j)
		}
	}
	m.sortBySeq(out)
	return out, nil
}

// Snapshot returns every job in enqueue order.
func (m *MockStore) Snapshot() []models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	m.sortBySeq(out)
	return out
}

func (m *MockStore) sortBySeq(jobs []models.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		return m.seq[jobs[a].ID] < m.seq[jobs[b].ID]
	})
}

// ScheduleRecurring registers an in-process cron entry that seeds a new run
// of workflowID at nodeID on every tick.
func (m *MockStore) ScheduleRecurring(ctx context.Context, workflowID, nodeID, cronExpr string, payload models.JSONMap) error {
	if m.opts.RecurringDisabled {
		return ErrRecurringUnavailable
	}
	schedule, err := ParseSchedule(cronExpr)
	if err != nil {
		return err
	}
	seed := models.Job{WorkflowID: workflowID, NodeID: nodeID, Payload: payload.Clone()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron == nil {
		m.cron = cron.New(cron.WithParser(cronParser))
		m.cron.Start()
	}
	if prev, ok := m.recurring[workflowID]; ok {
		m.cron.Remove(prev)
	}
	m.recurring[workflowID] = m.cron.Schedule(schedule, cron.FuncJob(func() {
		_, _ = m.Enqueue(context.Background(), seed, 0)
	}))
	return nil
}

func (m *MockStore) CancelRecurring(ctx context.Context, workflowID string) error {
	if m.opts.RecurringDisabled {
		return ErrRecurringUnavailable
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.recurring[workflowID]
	if !ok {
		return ErrNotFound
	}
	m.cron.Remove(entry)
	delete(m.recurring, workflowID)
	return nil
}

// RecurringWorkflows lists the workflows with an active recurring seed.
func (m *MockStore) RecurringWorkflows() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.recurring))
	for id := range m.recurring {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *MockStore) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return models.Workflow{}, ErrNotFound
	}
	return wf, nil
}

func (m *MockStore) SaveWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.Now()
	if prev, ok := m.workflows[wf.ID]; ok {
		wf.CreatedAt = prev.CreatedAt
	} else if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	m.workflows[wf.ID] = wf
	return nil
}

func (m *MockStore) CreateWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return errors.Wrapf(ErrWorkflowExists, "workflow %s", wf.ID)
	}
	now := m.opts.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	m.workflows[wf.ID] = wf
	return nil
}

func (m *MockStore) LogExecution(ctx context.Context, entry models.ExecutionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	if entry.LoggedAt.IsZero() {
		entry.LoggedAt = m.opts.Now()
	}
	m.logs = append(m.logs, entry)
	return nil
}

// ExecutionLogs returns the audit trail in write order.
func (m *MockStore) ExecutionLogs() []models.ExecutionLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ExecutionLog(nil), m.logs...)
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		m.cron.Stop()
	}
	m.closed = true
	return nil
}
