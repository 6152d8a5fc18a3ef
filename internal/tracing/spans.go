// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartJobDispatch opens a span around one Runner.Dispatch call.
func StartJobDispatch(ctx context.Context, tracer trace.Tracer, runID, jobID, jobName string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("job.dispatch: %s", jobName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("job.id", jobID),
			attribute.String("job.name", jobName),
		),
	)
}

// StartStep opens a span around a single step's execution.
func StartStep(ctx context.Context, tracer trace.Tracer, runID, jobID, stepID, uses string) (context.Context, trace.Span) {
	return tracer.Start(ctx, fmt.Sprintf("step: %s", stepID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("job.id", jobID),
			attribute.String("step.id", stepID),
			attribute.String("step.uses", uses),
		),
	)
}

// StartWorkflowAwait opens a span around polling a sub-workflow run to
// completion from the `workflow:<id>` executor.
func StartWorkflowAwait(ctx context.Context, tracer trace.Tracer, parentRunID, childRunID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workflow.await",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", parentRunID),
			attribute.String("child_run.id", childRunID),
		),
	)
}

// EndWithResult sets the span's status from status/err and ends it.
// status is the terminal job/step/run status; a non-empty err always
// marks the span as errored regardless of status.
func EndWithResult(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if status != "" {
		span.SetAttributes(attribute.String("result.status", status))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
