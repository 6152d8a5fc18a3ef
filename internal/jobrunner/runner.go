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

// Package jobrunner drives a single JobRun through its lifecycle under a
// worker-supplied cancellation signal: hook ordering, the step execution
// loop, artifact capture, retry/backoff, and run finalization.
package jobrunner

import (
	"context"
	"log/slog"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/KirillBaranov/kb-labs-workflow/internal/artifact"
	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
	"github.com/KirillBaranov/kb-labs-workflow/internal/log"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
	"github.com/KirillBaranov/kb-labs-workflow/internal/tracing"
	"github.com/KirillBaranov/kb-labs-workflow/internal/worker"
	"github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

// ConcurrencyReleaser releases a run's held concurrency group on terminal
// status. Satisfied by *coordinator.Coordinator.
type ConcurrencyReleaser interface {
	ReleaseConcurrency(ctx context.Context, run *model.Run) error
}

// EventPublisher is notified of lifecycle events as they occur. Satisfied
// by the event bridge; nil is a valid no-op.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, eventType string, payload map[string]any)
}

// Runner implements worker.JobRunner.
type Runner struct {
	store         store.Store
	executors     *executor.Registry
	releaser      ConcurrencyReleaser
	events        EventPublisher
	logger        *slog.Logger
	artifactsRoot string
	tracer        oteltrace.Tracer
}

var _ worker.JobRunner = (*Runner)(nil)

// New creates a Runner. artifactsRoot is the local directory under which
// each job gets its own artifact-client root; an empty value falls back
// to "./artifacts". A nil tracer falls back to a no-op tracer, so every
// caller can pass (*tracing.Provider)(nil).Tracer("jobrunner") uniformly
// whether or not tracing is configured.
func New(st store.Store, executors *executor.Registry, releaser ConcurrencyReleaser, events EventPublisher, logger *slog.Logger, artifactsRoot string, tracer oteltrace.Tracer) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if artifactsRoot == "" {
		artifactsRoot = "./artifacts"
	}
	if tracer == nil {
		tracer = (*tracing.Provider)(nil).Tracer("jobrunner")
	}
	return &Runner{
		store:         st,
		executors:     executors,
		releaser:      releaser,
		events:        events,
		logger:        logger.With(slog.String("component", "jobrunner")),
		artifactsRoot: artifactsRoot,
		tracer:        tracer,
	}
}

func (r *Runner) publish(ctx context.Context, runID, eventType string, payload map[string]any) {
	if r.events != nil {
		r.events.Publish(ctx, runID, eventType, payload)
	}
}

// Dispatch drives one JobRun: pre-dispatch validation, start, hooks, the
// step loop, artifact capture, completion, and retry/finalize.
func (r *Runner) Dispatch(ctx context.Context, params worker.DispatchParams) (outcome worker.Outcome, dispatchErr error) {
	entry := params.Entry
	run, err := r.store.GetRun(ctx, entry.RunID)
	if err == store.ErrNotFound {
		return worker.Outcome{Kind: worker.OutcomeSkipped}, nil
	}
	if err != nil {
		return worker.Outcome{}, err
	}

	job := run.JobByID(entry.JobID)
	if job == nil {
		return worker.Outcome{Kind: worker.OutcomeSkipped}, nil
	}
	if job.Status != model.JobQueued && job.Status != model.JobRunning {
		return worker.Outcome{Kind: worker.OutcomeSkipped}, nil
	}

	spanCtx, span := tracing.StartJobDispatch(ctx, r.tracer, run.ID, job.ID, job.Name)
	defer func() { tracing.EndWithResult(span, string(outcome.Kind), dispatchErr) }()
	ctx = spanCtx

	jobCtx, jobCancel := context.WithCancel(ctx)
	defer jobCancel()

	var timeoutFired bool
	if job.TimeoutMs > 0 {
		var timeoutCancel context.CancelFunc
		jobCtx, timeoutCancel = context.WithTimeout(jobCtx, time.Duration(job.TimeoutMs)*time.Millisecond)
		defer timeoutCancel()
	}

	go func() {
		select {
		case sig := <-params.Cancel:
			r.logger.Info("job cancellation signalled", slog.String(log.JobIDKey, job.ID), slog.String("cause", string(sig.Cause)))
			jobCancel()
		case <-jobCtx.Done():
		}
	}()

	if err := r.start(ctx, run, job); err != nil {
		return worker.Outcome{}, err
	}

	r.runHooks(jobCtx, run, job, job.Hooks.Pre)

	mainResult, mainErr := r.runSteps(jobCtx, run, job)

	if jobCtx.Err() != nil {
		timeoutFired = jobCtx.Err() == context.DeadlineExceeded
	}

	if mainResult == model.JobSuccess {
		r.runHooks(ctx, run, job, job.Hooks.OnSuccess)
	} else if mainResult == model.JobFailed || mainResult == model.JobCancelled {
		r.runHooks(ctx, run, job, job.Hooks.OnFailure)
	}
	r.runHooks(ctx, run, job, job.Hooks.Post)

	if mainResult == model.JobCancelled && timeoutFired {
		mainResult = model.JobFailed
		mainErr = &model.ErrorDetail{Message: "job exceeded timeout", Code: errors.CodeJobTimeout}
	}

	if mainResult == model.JobCancelled {
		return r.abortAndRequeue(ctx, run, job)
	}

	r.captureArtifacts(ctx, run, job)

	switch mainResult {
	case model.JobSuccess:
		return r.complete(ctx, run, job, mainErr)
	case model.JobFailed:
		return r.completeFailedWithRetry(ctx, run, job, mainErr)
	default:
		return worker.Outcome{Kind: worker.OutcomeSkipped}, nil
	}
}

func (r *Runner) start(ctx context.Context, run *model.Run, job *model.JobRun) error {
	now := time.Now()
	_, err := r.store.UpdateJob(ctx, run.ID, job.ID, func(j *model.JobRun) (*model.JobRun, error) {
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.FinishedAt = nil
		j.Error = nil
		j.Status = model.JobRunning
		j.Attempt++
		return j, nil
	})
	if err != nil {
		return err
	}
	job.Status = model.JobRunning
	job.Attempt++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}

	if run.Status == model.RunQueued {
		_, err := r.store.UpdateRun(ctx, run.ID, func(ru *model.Run) (*model.Run, error) {
			ru.Status = model.RunRunning
			ru.StartedAt = &now
			return ru, nil
		})
		if err != nil {
			return err
		}
		run.Status = model.RunRunning
		r.publish(ctx, run.ID, "run.started", map[string]any{"runId": run.ID})
	}
	return nil
}

func (r *Runner) abortAndRequeue(ctx context.Context, run *model.Run, job *model.JobRun) (worker.Outcome, error) {
	_, err := r.store.UpdateJob(ctx, run.ID, job.ID, func(j *model.JobRun) (*model.JobRun, error) {
		j.Status = model.JobQueued
		j.StartedAt = nil
		j.FinishedAt = nil
		j.DurationMs = 0
		j.Error = nil
		for _, st := range j.Steps {
			st.Status = model.StepQueued
			st.Attempt = 0
		}
		return j, nil
	})
	if err != nil {
		return worker.Outcome{}, err
	}
	return worker.Outcome{Kind: worker.OutcomeAborted}, nil
}

func (r *Runner) complete(ctx context.Context, run *model.Run, job *model.JobRun, stepErr *model.ErrorDetail) (worker.Outcome, error) {
	status := model.JobSuccess
	if stepErr != nil {
		status = model.JobCancelled
	}
	now := time.Now()
	_, err := r.store.UpdateJob(ctx, run.ID, job.ID, func(j *model.JobRun) (*model.JobRun, error) {
		j.Status = status
		j.FinishedAt = &now
		if j.StartedAt != nil {
			j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
		}
		j.Error = stepErr
		return j, nil
	})
	if err != nil {
		return worker.Outcome{}, err
	}

	unblocked, eventType := []*model.JobRun{}, "job.completed"
	if status == model.JobSuccess {
		unblocked, err = r.store.ReleaseBlockedJobs(ctx, run.ID, job.Name)
		if err != nil {
			r.logger.Error("release blocked jobs failed", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
		}
	} else {
		eventType = "job.cancelled"
	}
	r.publish(ctx, run.ID, eventType, map[string]any{"jobId": job.ID, "status": string(status)})

	if err := r.finalizeRunIfDone(ctx, run.ID); err != nil {
		r.logger.Error("run finalization failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	return worker.Outcome{Kind: worker.OutcomeCompleted, UnblockedJobs: unblocked}, nil
}
