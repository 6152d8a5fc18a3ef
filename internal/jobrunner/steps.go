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

package jobrunner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/KirillBaranov/kb-labs-workflow/internal/artifact"
	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
	"github.com/KirillBaranov/kb-labs-workflow/internal/expr"
	"github.com/KirillBaranov/kb-labs-workflow/internal/log"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/tracing"
)

// runSteps executes job.Steps in index order and returns the job's
// terminal status (Success, Failed, or Cancelled) plus the first
// discovered error, if any.
func (r *Runner) runSteps(ctx context.Context, run *model.Run, job *model.JobRun) (model.JobStatus, *model.ErrorDetail) {
	stepOutputs := map[string]expr.StepOutputs{}

	for _, step := range job.Steps {
		if ctx.Err() != nil {
			return model.JobCancelled, &model.ErrorDetail{Message: "job aborted", Code: "JOB_ABORTED"}
		}

		exprCtx := &expr.Context{
			Env:     mergeEnv(run.Env, job.Env),
			Trigger: expr.TriggerContext{Type: string(run.Trigger.Kind), Actor: run.Trigger.Actor, Payload: run.Trigger.Payload},
			Steps:   stepOutputs,
		}

		if step.Spec.If != "" {
			ok, err := expr.Evaluate(step.Spec.If, exprCtx)
			if err != nil {
				r.setStepResult(ctx, run.ID, job.ID, step, model.StepFailed, nil, &model.ErrorDetail{Message: err.Error(), Code: "INVALID_IF_EXPRESSION"})
				if !step.ContinueOnError {
					return model.JobFailed, &model.ErrorDetail{Message: err.Error(), Code: "INVALID_IF_EXPRESSION"}
				}
				continue
			}
			if !ok {
				r.skipStep(ctx, run.ID, job.ID, step, step.Spec.If)
				continue
			}
		}

		stepCtx, span := tracing.StartStep(ctx, r.tracer, run.ID, job.ID, step.ID, step.Spec.Uses)

		stepStatus, jobStatus, detail, terminal := r.runOneStep(stepCtx, run, job, step, exprCtx, stepOutputs)
		tracing.EndWithResult(span, string(stepStatus), detailErr(detail))
		if terminal {
			return jobStatus, detail
		}
	}

	return model.JobSuccess, nil
}

// runOneStep evaluates and dispatches a single step. It returns the
// step's own terminal status (for span tagging), the job-level status
// and error the caller should return immediately when terminal is true,
// and terminal=false when the loop should just move on to the next step
// (success, a skip, or a continue-on-error failure).
func (r *Runner) runOneStep(ctx context.Context, run *model.Run, job *model.JobRun, step *model.StepRun, exprCtx *expr.Context, stepOutputs map[string]expr.StepOutputs) (model.StepStatus, model.JobStatus, *model.ErrorDetail, bool) {
	startedAt := time.Now()
	r.beginStep(ctx, run.ID, job.ID, step, startedAt)

	with, err := interpolateWith(step.Spec.With, exprCtx)
	if err != nil {
		detail := &model.ErrorDetail{Message: err.Error(), Code: "INVALID_IF_EXPRESSION"}
		r.finishStep(ctx, run.ID, job.ID, step, model.StepFailed, nil, detail, startedAt)
		if !step.ContinueOnError {
			return model.StepFailed, model.JobFailed, detail, true
		}
		return model.StepFailed, "", nil, false
	}

	stepCtx := ctx
	var stepCancel context.CancelFunc
	if step.Spec.TimeoutMs > 0 {
		stepCtx, stepCancel = context.WithTimeout(ctx, time.Duration(step.Spec.TimeoutMs)*time.Millisecond)
	}

	if strings.HasPrefix(step.Spec.Uses, "workflow:") {
		if with == nil {
			with = map[string]any{}
		}
		with["__parentWorkflowDepth"] = run.Metadata.WorkflowDepth
	}

	result, execErr := r.executors.Dispatch(stepCtx, executor.Request{
		RunID:   run.ID,
		JobID:   job.ID,
		StepID:  step.ID,
		UserID:  step.UserID,
		Uses:    step.Spec.Uses,
		With:    with,
		Env:     mergeEnv(mergeEnv(run.Env, job.Env), step.Spec.Env),
		Secrets: step.Spec.Secrets,
	})
	if stepCancel != nil {
		stepCancel()
	}

	if execErr != nil {
		detail := &model.ErrorDetail{Message: execErr.Error(), Code: "STEP_EXECUTION_FAILED"}
		r.finishStep(ctx, run.ID, job.ID, step, model.StepFailed, nil, detail, startedAt)
		if step.ContinueOnError {
			return model.StepFailed, "", nil, false
		}
		return model.StepFailed, model.JobFailed, detail, true
	}

	switch result.Kind {
	case executor.ResultSuccess:
		r.finishStep(ctx, run.ID, job.ID, step, model.StepSuccess, result.Outputs, nil, startedAt)
		if step.UserID != "" {
			stepOutputs[step.UserID] = expr.StepOutputs{Outputs: result.Outputs}
		}
		return model.StepSuccess, "", nil, false
	case executor.ResultFailed:
		detail := &model.ErrorDetail{Message: result.ErrorMsg, Code: result.ErrorCode}
		r.finishStep(ctx, run.ID, job.ID, step, model.StepFailed, result.Outputs, detail, startedAt)
		if step.ContinueOnError {
			return model.StepFailed, "", nil, false
		}
		return model.StepFailed, model.JobFailed, detail, true
	case executor.ResultCancelled:
		detail := &model.ErrorDetail{Message: result.ErrorMsg, Code: "STEP_CANCELLED"}
		if stepCtxDeadlineExceeded(stepCtx) {
			detail.Code = "STEP_TIMEOUT"
		}
		r.finishStep(ctx, run.ID, job.ID, step, model.StepCancelled, result.Outputs, detail, startedAt)
		return model.StepCancelled, model.JobCancelled, detail, true
	}
	return model.StepSuccess, "", nil, false
}

func detailErr(detail *model.ErrorDetail) error {
	if detail == nil {
		return nil
	}
	return fmt.Errorf("%s: %s", detail.Code, detail.Message)
}

func stepCtxDeadlineExceeded(ctx context.Context) bool {
	return ctx.Err() == context.DeadlineExceeded
}

func (r *Runner) beginStep(ctx context.Context, runID, jobID string, step *model.StepRun, startedAt time.Time) {
	_, err := r.store.UpdateStep(ctx, runID, jobID, step.ID, func(s *model.StepRun) (*model.StepRun, error) {
		s.Status = model.StepRunning
		if s.StartedAt == nil {
			s.StartedAt = &startedAt
		}
		s.FinishedAt = nil
		s.Error = nil
		s.Outputs = nil
		s.Attempt++
		return s, nil
	})
	if err != nil {
		r.logger.Error("step transition to running failed", slog.String(log.StepIDKey, step.ID), slog.Any("error", err))
		return
	}
	step.Status = model.StepRunning
	step.Attempt++
}

func (r *Runner) finishStep(ctx context.Context, runID, jobID string, step *model.StepRun, status model.StepStatus, outputs map[string]any, errDetail *model.ErrorDetail, startedAt time.Time) {
	now := time.Now()
	duration := now.Sub(startedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}
	_, err := r.store.UpdateStep(ctx, runID, jobID, step.ID, func(s *model.StepRun) (*model.StepRun, error) {
		s.Status = status
		s.FinishedAt = &now
		s.DurationMs = duration
		s.Outputs = outputs
		s.Error = errDetail
		return s, nil
	})
	if err != nil {
		r.logger.Error("step completion write failed", slog.String(log.StepIDKey, step.ID), slog.Any("error", err))
	}
	step.Status = status
	step.Error = errDetail
}

func (r *Runner) skipStep(ctx context.Context, runID, jobID string, step *model.StepRun, reason string) {
	_, err := r.store.UpdateStep(ctx, runID, jobID, step.ID, func(s *model.StepRun) (*model.StepRun, error) {
		s.Status = model.StepSkipped
		s.SkipReason = reason
		return s, nil
	})
	if err != nil {
		r.logger.Error("step skip write failed", slog.String(log.StepIDKey, step.ID), slog.Any("error", err))
	}
	step.Status = model.StepSkipped
	step.SkipReason = reason
}

func (r *Runner) setStepResult(ctx context.Context, runID, jobID string, step *model.StepRun, status model.StepStatus, outputs map[string]any, errDetail *model.ErrorDetail) {
	r.finishStep(ctx, runID, jobID, step, status, outputs, errDetail, time.Now())
}

// runHooks executes a job's hook steps (pre/post/onSuccess/onFailure).
// Nested hooks on hook steps are ignored. A hook failure is logged but
// never alters the job's main outcome.
func (r *Runner) runHooks(ctx context.Context, run *model.Run, job *model.JobRun, specs []model.StepSpec) {
	for i, spec := range specs {
		hookStep := &model.StepRun{
			ID:     job.ID + ":hook:" + spec.ID,
			UserID: spec.ID,
			JobID:  job.ID,
			Index:  -(i + 1),
			Spec:   spec,
			Status: model.StepQueued,
		}
		exprCtx := &expr.Context{Env: mergeEnv(run.Env, job.Env)}
		with, err := interpolateWith(spec.With, exprCtx)
		if err != nil {
			r.logger.Warn("hook step interpolation failed", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
			continue
		}
		result, err := r.executors.Dispatch(ctx, executor.Request{
			RunID:  run.ID,
			JobID:  job.ID,
			StepID: hookStep.ID,
			UserID: spec.ID,
			Uses:   spec.Uses,
			With:   with,
			Env:    mergeEnv(run.Env, job.Env),
		})
		if err != nil || result.Kind != executor.ResultSuccess {
			r.logger.Warn("hook step failed", slog.String(log.JobIDKey, job.ID), slog.String("hook", spec.Uses))
		}
	}
}

func mergeEnv(base, overlay map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func interpolateWith(with map[string]any, ctx *expr.Context) (map[string]any, error) {
	if with == nil {
		return nil, nil
	}
	out := make(map[string]any, len(with))
	for k, v := range with {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		if !strings.Contains(s, "${{") {
			out[k] = s
			continue
		}
		resolved, err := expr.Interpolate(s, ctx)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// captureArtifacts opens the job's artifact client, applies any declared
// merge config, then intersects the declared produce list with what's
// actually present under the client's root before unioning the result
// (normalized to "<jobName>/<path>") into run.Artifacts, persisting the
// union back through the store. If the client can't be opened, it falls
// back to trusting the declaration.
func (r *Runner) captureArtifacts(ctx context.Context, run *model.Run, job *model.JobRun) {
	if len(job.Artifacts.Produce) == 0 {
		return
	}

	client, err := artifact.NewFSClient(r.artifactsRoot, run.ID, job.Name)
	if err != nil {
		r.logger.Error("artifact client unavailable, trusting declaration", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
		r.unionArtifacts(ctx, run, job, job.Artifacts.Produce)
		return
	}

	if job.Artifacts.Merge != nil {
		if err := artifact.ApplyMergeConfig(client, job.Artifacts.Merge); err != nil {
			r.logger.Error("artifact merge failed", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
		}
	}

	present, err := client.List("")
	if err != nil {
		r.logger.Error("artifact listing failed, trusting declaration", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
		r.unionArtifacts(ctx, run, job, job.Artifacts.Produce)
		return
	}
	presentSet := make(map[string]bool, len(present))
	for _, e := range present {
		presentSet[e.Path] = true
	}

	actual := make([]string, 0, len(job.Artifacts.Produce))
	for _, path := range job.Artifacts.Produce {
		if presentSet[path] {
			actual = append(actual, path)
		}
	}
	r.unionArtifacts(ctx, run, job, actual)
}

func (r *Runner) unionArtifacts(ctx context.Context, run *model.Run, job *model.JobRun, paths []string) {
	if len(paths) == 0 {
		return
	}
	full := make([]string, len(paths))
	for i, path := range paths {
		full[i] = job.Name + "/" + path
	}

	updated, err := r.store.UpdateRun(ctx, run.ID, func(ru *model.Run) (*model.Run, error) {
		existing := make(map[string]bool, len(ru.Artifacts))
		for _, a := range ru.Artifacts {
			existing[a] = true
		}
		for _, p := range full {
			if !existing[p] {
				ru.Artifacts = append(ru.Artifacts, p)
				existing[p] = true
			}
		}
		return ru, nil
	})
	if err != nil {
		r.logger.Error("artifact union write failed", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
		return
	}
	run.Artifacts = updated.Artifacts
}
