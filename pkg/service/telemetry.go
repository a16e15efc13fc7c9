package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
)

// instrumentationName is the OpenTelemetry scope of executor spans and metrics.
const instrumentationName = "github.com/Tryliate/Tryliate-sub001/pkg/service"

// WithTracer sets the tracer for job spans. Defaults to the global provider,
// which is a no-op until one is installed.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithMeter sets the meter for job metrics. Defaults to the global provider.
func WithMeter(m metric.Meter) ExecutorOption {
	return func(e *Executor) {
		e.meter = m
	}
}

// jobMetrics are created once per executor. The OTel API hands back no-op
// instruments on error, so creation errors are ignored.
type jobMetrics struct {
	duration   metric.Float64Histogram
	executions metric.Int64Counter
}

func newJobMetrics(m metric.Meter) jobMetrics {
	duration, _ := m.Float64Histogram(
		"flowq.job.duration",
		metric.WithDescription("Duration of job processing in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := m.Int64Counter(
		"flowq.job.executions",
		metric.WithDescription("Total number of processed jobs"),
		metric.WithUnit("{job}"),
	)
	return jobMetrics{duration: duration, executions: executions}
}

func (e *Executor) startSpan(ctx context.Context, job models.Job, attempt int) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "flowq.job.process",
		trace.WithAttributes(
			attribute.String("flowq.job.id", job.ID.String()),
			attribute.String("flowq.run.id", job.RunID.String()),
			attribute.String("flowq.workflow.id", job.WorkflowID),
			attribute.String("flowq.node.id", job.NodeID),
			attribute.Int("flowq.job.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// observe closes out one ProcessJob call. A store error wins over a
// capability failure message.
func (e *Executor) observe(ctx context.Context, span trace.Span, job models.Job, outcome, msg string, err error, elapsed time.Duration) {
	span.SetAttributes(attribute.String("flowq.job.outcome", outcome))
	status := "ok"
	switch {
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case outcome == OutcomeFailed:
		status = "error"
		span.SetStatus(codes.Error, msg)
	default:
		span.SetStatus(codes.Ok, "")
	}

	attrs := metric.WithAttributes(
		attribute.String("workflow_id", job.WorkflowID),
		attribute.String("outcome", outcome),
		attribute.String("status", status),
	)
	e.metrics.duration.Record(ctx, elapsed.Seconds(), attrs)
	e.metrics.executions.Add(ctx, 1, attrs)
}

func defaultTracer() trace.Tracer { return otel.Tracer(instrumentationName) }

func defaultMeter() metric.Meter { return otel.Meter(instrumentationName) }
