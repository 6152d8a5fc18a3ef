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

package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/tracing"
)

// WorkflowResolver resolves a `workflow:<id>` reference to a path, and a
// loader decodes that path into a WorkflowSpec. Kept as two small
// interfaces so registry discovery and spec decoding stay independently
// swappable collaborators.
type WorkflowResolver interface {
	Resolve(ctx context.Context, id string) (path string, err error)
}

// WorkflowLoader decodes a workflow spec file into its coordinator shape.
type WorkflowLoader func(path string) (*coordinator.WorkflowSpec, error)

// RunCoordinator is the subset of *coordinator.Coordinator a sub-workflow
// invocation needs: admit the child, then poll it.
type RunCoordinator interface {
	EnsureRun(ctx context.Context, in coordinator.CreateRunInput) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	CancelRun(ctx context.Context, runID string) error
}

// WorkflowExecutor runs `workflow:<id>` steps: spawn a child run and poll
// it to completion, propagating parent cancellation.
type WorkflowExecutor struct {
	Resolver     WorkflowResolver
	Loader       WorkflowLoader
	Coordinator  RunCoordinator
	MaxDepth     int
	PollInterval time.Duration
	// Tracer traces sub-workflow polling. A nil Tracer falls back to a
	// no-op tracer, so a zero-value WorkflowExecutor stays usable in tests.
	Tracer oteltrace.Tracer
}

func (e *WorkflowExecutor) tracer() oteltrace.Tracer {
	if e.Tracer == nil {
		return (*tracing.Provider)(nil).Tracer("executor.workflow")
	}
	return e.Tracer
}

var _ Executor = (*WorkflowExecutor)(nil)
var _ RunCoordinator = (*coordinator.Coordinator)(nil)

func (e *WorkflowExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	id := strings.TrimPrefix(req.Uses, "workflow:")
	if id == "" {
		return Result{Kind: ResultFailed, ErrorMsg: "workflow id is required", ErrorCode: "WORKFLOW_NOT_FOUND"}, nil
	}

	mode, _ := req.With["mode"].(string)
	if mode == "fire-and-forget" {
		return Result{Kind: ResultFailed, ErrorMsg: "fire-and-forget is not supported", ErrorCode: "UNSUPPORTED_MODE"}, nil
	}

	depth, _ := req.With["__parentWorkflowDepth"].(int)
	maxDepth := e.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}
	if depth+1 > maxDepth {
		return Result{Kind: ResultFailed, ErrorMsg: "maximum workflow nesting depth exceeded", ErrorCode: "WORKFLOW_DEPTH_EXCEEDED"}, nil
	}

	if e.Resolver == nil || e.Coordinator == nil || e.Loader == nil {
		return Result{Kind: ResultFailed, ErrorMsg: "workflow registry not configured", ErrorCode: "WORKFLOW_REGISTRY_NOT_CONFIGURED"}, nil
	}

	path, err := e.Resolver.Resolve(ctx, id)
	if err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "WORKFLOW_NOT_FOUND"}, nil
	}
	spec, err := e.Loader(path)
	if err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "WORKFLOW_SPAWN_ERROR"}, nil
	}

	childEnv := map[string]string{}
	if inheritEnv, ok := req.With["inheritEnv"].(bool); ok && !inheritEnv {
		// explicit opt-out: start from nothing
	} else {
		for k, v := range req.Env {
			childEnv[k] = v
		}
	}
	if inputs, ok := req.With["inputs"].(map[string]any); ok {
		for k, v := range inputs {
			childEnv[k] = fmt.Sprintf("%v", v)
		}
	}

	child, err := e.Coordinator.EnsureRun(ctx, coordinator.CreateRunInput{
		Spec:          spec,
		Trigger:       model.Trigger{Kind: model.TriggerWorkflow, ParentRunID: req.RunID, ParentJobID: req.JobID, ParentStepID: req.StepID},
		Env:           childEnv,
		WorkflowDepth: depth + 1,
	})
	if err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "WORKFLOW_SPAWN_ERROR"}, nil
	}

	return e.await(ctx, req.RunID, child.ID)
}

func (e *WorkflowExecutor) await(ctx context.Context, parentRunID, childRunID string) (result Result, err error) {
	spanCtx, span := tracing.StartWorkflowAwait(ctx, e.tracer(), parentRunID, childRunID)
	defer func() { tracing.EndWithResult(span, string(result.Kind), err) }()
	ctx = spanCtx

	interval := e.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := e.Coordinator.GetRun(ctx, childRunID)
		if err != nil {
			return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "CHILD_RUN_NOT_FOUND"}, nil
		}
		if run.Status.Terminal() {
			return e.mapChildResult(run), nil
		}

		select {
		case <-ctx.Done():
			_ = e.Coordinator.CancelRun(context.Background(), childRunID)
			return Result{Kind: ResultCancelled, ErrorMsg: "parent cancelled"}, nil
		case <-ticker.C:
		}
	}
}

func (e *WorkflowExecutor) mapChildResult(run *model.Run) Result {
	summary := map[string]any{
		"childResult": map[string]any{
			"runId":  run.ID,
			"status": string(run.Status),
		},
	}
	switch run.Status {
	case model.RunSuccess:
		return Result{Kind: ResultSuccess, Outputs: summary}
	case model.RunCancelled:
		return Result{Kind: ResultCancelled, ErrorMsg: "child workflow cancelled", Outputs: summary}
	default:
		return Result{Kind: ResultFailed, ErrorMsg: "child workflow failed", ErrorCode: "CHILD_WORKFLOW_FAILED", Outputs: summary}
	}
}
