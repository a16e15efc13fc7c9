package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Logger defines the logging interface used across the service package
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

var (
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrNoEntryNode      = errors.New("workflow has no entry node")
)

// RunService is the entry point for starting and resuming runs. Errors are
// returned to the caller; a run that cannot be seeded fails loudly.
type RunService struct {
	jobs      storage.JobStore
	workflows storage.WorkflowReader
	logger    Logger
}

func NewRunService(jobs storage.JobStore, workflows storage.WorkflowReader, logger Logger) *RunService {
	return &RunService{
		jobs:      jobs,
		workflows: workflows,
		logger:    logger,
	}
}

// StartRun seeds a new run at nodeID. An empty nodeID picks the workflow's
// entry node.
func (s *RunService) StartRun(ctx context.Context, workflowID, nodeID string, payload models.JSONMap, delay time.Duration) (runID, jobID uuid.UUID, err error) {
	wf, err := s.workflow(ctx, workflowID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	if nodeID == "" {
		entry, ok := EntryNode(wf)
		if !ok {
			return uuid.Nil, uuid.Nil, errors.Wrapf(ErrNoEntryNode, "workflow %s", workflowID)
		}
		nodeID = entry.ID
	}
	if _, ok := wf.Node(nodeID); !ok {
		return uuid.Nil, uuid.Nil, errors.Wrapf(ErrNodeNotFound, "node %s in workflow %s", nodeID, workflowID)
	}

	runID = uuid.New()
	jobID, err = s.jobs.Enqueue(ctx, models.Job{
		RunID:      runID,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Payload:    payload,
	}, delay)
	if err != nil {
		return uuid.Nil, uuid.Nil, errors.Wrap(err, "enqueue seed job")
	}
	s.logger.Infof("Started run %s of workflow %s at node %s", runID, workflowID, nodeID)
	return runID, jobID, nil
}

// Enqueue adds a job to an existing run, starting from any node.
func (s *RunService) Enqueue(ctx context.Context, runID uuid.UUID, workflowID, nodeID string, payload models.JSONMap, delay time.Duration) (uuid.UUID, error) {
	if runID == uuid.Nil {
		return uuid.Nil, errors.New("run id is required")
	}
	wf, err := s.workflow(ctx, workflowID)
	if err != nil {
		return uuid.Nil, err
	}
	if _, ok := wf.Node(nodeID); !ok {
		return uuid.Nil, errors.Wrapf(ErrNodeNotFound, "node %s in workflow %s", nodeID, workflowID)
	}
	id, err := s.jobs.Enqueue(ctx, models.Job{
		RunID:      runID,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Payload:    payload,
	}, delay)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "enqueue job")
	}
	s.logger.Infof("Enqueued job %s for run %s at node %s", id, runID, nodeID)
	return id, nil
}

// RunStatus summarizes every job of a run. A run with no jobs is ErrNotFound.
func (s *RunService) RunStatus(ctx context.Context, runID uuid.UUID) (models.RunSummary, error) {
	jobs, err := s.jobs.ListRunJobs(ctx, runID)
	if err != nil {
		return models.RunSummary{}, errors.Wrapf(err, "list jobs of run %s", runID)
	}
	if len(jobs) == 0 {
		return models.RunSummary{}, errors.Wrapf(storage.ErrNotFound, "run %s", runID)
	}
	summary := models.RunSummary{
		RunID:  runID,
		Counts: make(map[models.JobStatus]int),
		Jobs:   jobs,
	}
	for _, j := range jobs {
		summary.Counts[j.Status]++
	}
	return summary, nil
}

// Schedule registers a recurring seed after checking the target node exists.
func (s *RunService) Schedule(ctx context.Context, workflowID, nodeID, cronExpr string, payload models.JSONMap) error {
	wf, err := s.workflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if nodeID == "" {
		entry, ok := EntryNode(wf)
		if !ok {
			return errors.Wrapf(ErrNoEntryNode, "workflow %s", workflowID)
		}
		nodeID = entry.ID
	}
	if _, ok := wf.Node(nodeID); !ok {
		return errors.Wrapf(ErrNodeNotFound, "node %s in workflow %s", nodeID, workflowID)
	}
	if err := s.jobs.ScheduleRecurring(ctx, workflowID, nodeID, cronExpr, payload); err != nil {
		return err
	}
	s.logger.Infof("Scheduled workflow %s at node %s: %s", workflowID, nodeID, cronExpr)
	return nil
}

func (s *RunService) Unschedule(ctx context.Context, workflowID string) error {
	if err := s.jobs.CancelRecurring(ctx, workflowID); err != nil {
		return err
	}
	s.logger.Infof("Unscheduled workflow %s", workflowID)
	return nil
}

func (s *RunService) workflow(ctx context.Context, workflowID string) (models.Workflow, error) {
	if workflowID == "" {
		return models.Workflow{}, errors.New("workflow id is required")
	}
	wf, err := s.workflows.GetWorkflow(ctx, workflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Workflow{}, errors.Wrapf(ErrWorkflowNotFound, "workflow %s", workflowID)
	}
	if err != nil {
		return models.Workflow{}, fmt.Errorf("failed to get workflow %s: %v", workflowID, err)
	}
	return wf, nil
}

// EntryNode picks where a run starts: the first trigger node, else the
// first node without incoming edges.
func EntryNode(wf models.Workflow) (models.Node, bool) {
	for _, n := range wf.Nodes {
		if n.Type == TriggerNodeType {
			return n, true
		}
	}
	targets := make(map[string]struct{}, len(wf.Edges))
	for _, e := range wf.Edges {
		targets[e.Target] = struct{}{}
	}
	for _, n := range wf.Nodes {
		if _, ok := targets[n.ID]; !ok {
			return n, true
		}
	}
	return models.Node{}, false
}
