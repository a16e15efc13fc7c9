package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Execution log outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// Executor runs one claimed job: it resolves the node, invokes its
// capability and fans the output out to every successor.
type Executor struct {
	jobs      storage.JobStore
	workflows storage.WorkflowReader
	resolver  *Resolver
	audit     storage.AuditLogger
	timeout   time.Duration
	tracer    trace.Tracer
	meter     metric.Meter
	metrics   jobMetrics
	logger    Logger
}

type ExecutorOption func(*Executor)

// WithAudit records one execution log entry per processed job.
func WithAudit(a storage.AuditLogger) ExecutorOption {
	return func(e *Executor) {
		e.audit = a
	}
}

// WithStepTimeout bounds every capability call. A node's "timeoutMs"
// config overrides it. Zero means no bound.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = d
	}
}

func NewExecutor(jobs storage.JobStore, workflows storage.WorkflowReader, resolver *Resolver, logger Logger, opts ...ExecutorOption) *Executor {
	if resolver == nil {
		resolver = NewDefaultResolver(Providers{})
	}
	e := &Executor{
		jobs:      jobs,
		workflows: workflows,
		resolver:  resolver,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = defaultTracer()
	}
	if e.meter == nil {
		e.meter = defaultMeter()
	}
	e.metrics = newJobMetrics(e.meter)
	return e
}

// ProcessJob executes job, which must already be claimed. Capability
// failures are handed to the store's retry policy and are not returned;
// only store errors are. Each call is traced as one span.
func (e *Executor) ProcessJob(ctx context.Context, job models.Job) error {
	start := time.Now()
	ctx, span := e.startSpan(ctx, job, job.Attempts+1)
	defer span.End()

	outcome, msg, err := e.processJob(ctx, job)
	e.observe(ctx, span, job, outcome, msg, err, time.Since(start))
	return err
}

func (e *Executor) processJob(ctx context.Context, job models.Job) (outcome, msg string, err error) {
	attempt := job.Attempts + 1
	e.logger.Infof("Processing job %s (run %s, node %s, attempt %d)", job.ID, job.RunID, job.NodeID, attempt)

	wf, err := e.workflows.GetWorkflow(ctx, job.WorkflowID)
	if err != nil {
		msg = fmt.Sprintf("load workflow %s: %v", job.WorkflowID, err)
		if errors.Is(err, storage.ErrNotFound) {
			msg = fmt.Sprintf("workflow %s not found", job.WorkflowID)
		}
		return OutcomeFailed, msg, e.fail(ctx, job, msg)
	}

	node, ok := wf.Node(job.NodeID)
	if !ok {
		msg = "node not found"
		return OutcomeFailed, msg, e.fail(ctx, job, msg)
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("flowq.node.type", node.Type))

	stepCtx, cancel := e.stepContext(ctx, node)
	res := e.resolver.Execute(stepCtx, Request{
		NodeType: node.Type,
		Config:   node.Data,
		Input:    job.Payload,
		Run: RunContext{
			RunID:      job.RunID,
			WorkflowID: job.WorkflowID,
			NodeID:     job.NodeID,
			JobID:      job.ID,
			Attempt:    attempt,
		},
	})
	cancel()
	if !res.Success {
		return OutcomeFailed, res.Error, e.fail(ctx, job, res.Error)
	}

	var fanoutErr error
	successors := wf.Successors(node.ID)
	for _, target := range successors {
		_, err := e.jobs.Enqueue(ctx, models.Job{
			RunID:      job.RunID,
			WorkflowID: job.WorkflowID,
			NodeID:     target,
			Payload:    res.Data.Clone(),
		}, 0)
		if err != nil {
			e.logger.Errorf("Failed to enqueue successor %s of job %s: %v", target, job.ID, err)
			if fanoutErr == nil {
				fanoutErr = errors.Wrapf(err, "enqueue successor %s", target)
			}
		}
	}
	if len(successors) == 0 {
		e.logger.Infof("Job %s reached leaf node %s", job.ID, node.ID)
	} else {
		e.logger.Infof("Job %s fanned out to %d successor(s)", job.ID, len(successors))
	}

	if err := e.jobs.Complete(ctx, job.ID, res.Data); err != nil {
		return OutcomeCompleted, "", errors.Wrapf(err, "complete job %s", job.ID)
	}
	e.record(ctx, job, attempt, OutcomeCompleted, "")
	e.logger.Infof("Job %s completed", job.ID)
	return OutcomeCompleted, "", fanoutErr
}

// stepContext derives the capability context. Store calls keep using the
// parent so a timed-out step can still be recorded.
func (e *Executor) stepContext(ctx context.Context, node models.Node) (context.Context, context.CancelFunc) {
	timeout := e.timeout
	switch ms := node.Data["timeoutMs"].(type) {
	case float64:
		timeout = time.Duration(ms) * time.Millisecond
	case int:
		timeout = time.Duration(ms) * time.Millisecond
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Executor) fail(ctx context.Context, job models.Job, msg string) error {
	e.logger.Errorf("Job %s (node %s) failed: %s", job.ID, job.NodeID, msg)
	if err := e.jobs.Fail(ctx, job.ID, msg, 0); err != nil {
		return errors.Wrapf(err, "fail job %s", job.ID)
	}
	if job.Attempts+1 >= effectiveMaxAttempts(job) {
		e.logger.Errorf("Job %s exhausted its %d attempt(s)", job.ID, effectiveMaxAttempts(job))
	} else {
		e.logger.Infof("Job %s scheduled for retry", job.ID)
	}
	e.record(ctx, job, job.Attempts+1, OutcomeFailed, msg)
	return nil
}

func (e *Executor) record(ctx context.Context, job models.Job, attempt int, outcome, msg string) {
	if e.audit == nil {
		return
	}
	err := e.audit.LogExecution(ctx, models.ExecutionLog{
		JobID:      job.ID,
		RunID:      job.RunID,
		WorkflowID: job.WorkflowID,
		NodeID:     job.NodeID,
		Attempt:    attempt,
		Outcome:    outcome,
		Message:    msg,
	})
	if err != nil {
		e.logger.Errorf("Failed to write execution log for job %s: %v", job.ID, err)
	}
}

func effectiveMaxAttempts(job models.Job) int {
	if job.MaxAttempts > 0 {
		return job.MaxAttempts
	}
	return models.DefaultMaxAttempts
}
