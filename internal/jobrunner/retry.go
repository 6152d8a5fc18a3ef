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
	"log/slog"
	"time"

	"github.com/KirillBaranov/kb-labs-workflow/internal/metrics"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/worker"
	"github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

// completeFailedWithRetry applies the retry policy to a failed job.
// job.Attempt counts total dispatches, incremented once per attempt in
// start; a job is retried while that count hasn't yet exhausted
// Retry.Max extra attempts and the error's code allows it, otherwise
// it's finalized as failed.
func (r *Runner) completeFailedWithRetry(ctx context.Context, run *model.Run, job *model.JobRun, errDetail *model.ErrorDetail) (worker.Outcome, error) {
	retryable := errDetail == nil || errors.IsRetryableCode(errDetail.Code)
	if job.Attempt <= job.Retry.Max && retryable {
		delay := job.Retry.NextDelay(job.Attempt - 1)
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
		r.publish(ctx, run.ID, "job.queued", map[string]any{
			"jobId":   job.ID,
			"attempt": job.Attempt + 1,
			"delayMs": delay.Milliseconds(),
		})
		metrics.IncRetry(string(job.Retry.Backoff))
		return worker.Outcome{Kind: worker.OutcomeRetry, DelayMs: delay.Milliseconds()}, nil
	}

	now := time.Now()
	_, err := r.store.UpdateJob(ctx, run.ID, job.ID, func(j *model.JobRun) (*model.JobRun, error) {
		j.Status = model.JobFailed
		j.FinishedAt = &now
		if j.StartedAt != nil {
			j.DurationMs = now.Sub(*j.StartedAt).Milliseconds()
		}
		j.Error = errDetail
		return j, nil
	})
	if err != nil {
		return worker.Outcome{}, err
	}
	r.publish(ctx, run.ID, "job.failed", map[string]any{"jobId": job.ID, "error": errDetail})

	if err := r.finalizeRunIfDone(ctx, run.ID); err != nil {
		r.logger.Error("run finalization failed", slog.String("run_id", run.ID), slog.Any("error", err))
	}

	return worker.Outcome{Kind: worker.OutcomeCompleted}, nil
}

// finalizeRunIfDone derives and persists the run's terminal status once
// every job has reached a terminal state.
func (r *Runner) finalizeRunIfDone(ctx context.Context, runID string) error {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !run.AllTerminal() {
		return nil
	}

	status := deriveRunStatus(run)
	now := time.Now()
	metrics := aggregateMetrics(run, now)

	updated, err := r.store.UpdateRun(ctx, runID, func(ru *model.Run) (*model.Run, error) {
		ru.Status = status
		ru.FinishedAt = &now
		if ru.StartedAt != nil {
			ru.DurationMs = now.Sub(*ru.StartedAt).Milliseconds()
		}
		ru.Result = &model.ExecutionResult{
			Status:  status,
			Metrics: metrics,
			Error:   firstError(ru),
		}
		return ru, nil
	})
	if err != nil {
		return err
	}

	if r.releaser != nil {
		if err := r.releaser.ReleaseConcurrency(ctx, updated); err != nil {
			r.logger.Error("concurrency release failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	}

	eventType := "run.success"
	switch status {
	case model.RunFailed:
		eventType = "run.failed"
	case model.RunCancelled:
		eventType = "run.cancelled"
	}
	r.publish(ctx, runID, eventType, map[string]any{"runId": runID, "status": string(status)})
	return nil
}

func deriveRunStatus(run *model.Run) model.RunStatus {
	anyFailed, anyCancelled, allSuccess := false, false, true
	for _, j := range run.Jobs {
		switch j.Status {
		case model.JobFailed:
			anyFailed = true
			allSuccess = false
		case model.JobCancelled:
			anyCancelled = true
			allSuccess = false
		case model.JobSuccess, model.JobSkipped:
		default:
			allSuccess = false
		}
	}
	switch {
	case anyFailed:
		return model.RunFailed
	case anyCancelled:
		return model.RunCancelled
	case allSuccess:
		return model.RunSuccess
	default:
		return model.RunFailed
	}
}

func aggregateMetrics(run *model.Run, finishedAt time.Time) model.Metrics {
	m := model.Metrics{}
	for _, j := range run.Jobs {
		m.JobsTotal++
		switch j.Status {
		case model.JobSuccess:
			m.JobsSucceeded++
		case model.JobFailed:
			m.JobsFailed++
		case model.JobCancelled:
			m.JobsCancelled++
		}
		for _, s := range j.Steps {
			m.StepsTotal++
			switch s.Status {
			case model.StepFailed:
				m.StepsFailed++
			case model.StepCancelled:
				m.StepsCancelled++
			}
		}
	}
	if run.StartedAt != nil {
		m.TimeMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return m
}

func firstError(run *model.Run) *model.ErrorDetail {
	for _, j := range run.Jobs {
		if j.Error != nil {
			return j.Error
		}
		for _, s := range j.Steps {
			if s.Error != nil {
				return s.Error
			}
		}
	}
	return nil
}
