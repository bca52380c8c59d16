package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rendis/ensemble/internal/engine"

func newTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startExecutionSpan starts the root span of one Execute or ResumeAt call.
func (x *execution) startExecutionSpan(ctx context.Context) (context.Context, trace.Span) {
	ctx, span := x.tracer.Start(ctx, "ensemble.execute")
	span.SetAttributes(
		attribute.String("execution.id", x.run.ExecutionID),
		attribute.String("ensemble.name", x.run.Ensemble),
		attribute.Bool("execution.resumed", x.resumePath != ""),
	)
	return ctx, span
}

// startNodeSpan starts a span for one node.
func (x *execution) startNodeSpan(ctx context.Context, node *Node, path string) (context.Context, trace.Span) {
	ctx, span := x.tracer.Start(ctx, "node."+node.Name)
	span.SetAttributes(
		attribute.String("execution.id", x.run.ExecutionID),
		attribute.String("node.path", path),
		attribute.String("node.type", string(node.Element.ElementType())),
	)
	return ctx, span
}

// endSpan ends a span with the final status.
func (x *execution) endSpan(span trace.Span, status string, err error) {
	span.SetAttributes(attribute.String("status", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
