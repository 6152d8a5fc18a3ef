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

// Package coordinator turns a (workflow definition, trigger, idempotency
// key?, concurrency group?) request into a persisted initial Run.
package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
	"github.com/KirillBaranov/kb-labs-workflow/pkg/errors"
)

// Scheduler is the subset of the scheduler's contract the coordinator
// needs to enqueue newly-ready jobs.
type Scheduler interface {
	ScheduleRun(ctx context.Context, run *model.Run) error
}

// JobSpec is the declarative form of a job, part of a WorkflowSpec.
type JobSpec struct {
	Name             string
	Needs            []string
	Target           string
	Retry            model.RetryPolicy
	TimeoutMs        int64
	Priority         model.Priority
	ConcurrencyGroup string
	Artifacts        model.ArtifactSpec
	Hooks            model.Hooks
	Steps            []model.StepSpec
	Env              map[string]string
}

// WorkflowSpec is the minimal parsed shape of a workflow definition; the
// YAML/JSON loader and schema validation that build it are external
// collaborators.
type WorkflowSpec struct {
	ID      string
	Name    string
	Version string
	Jobs    []JobSpec
}

// CreateRunInput is the coordinator's ensureRun request.
type CreateRunInput struct {
	Spec             *WorkflowSpec
	Trigger          model.Trigger
	IdempotencyKey   string
	ConcurrencyGroup string
	Env              map[string]string
	WorkflowDepth    int
}

// EventPublisher is notified when a run is admitted. nil is a valid no-op;
// satisfied by *events.Bridge.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, eventType string, payload map[string]any)
}

// Coordinator implements ensureRun/releaseConcurrency.
type Coordinator struct {
	store     store.Store
	scheduler Scheduler
	events    EventPublisher
	logger    *slog.Logger

	idempotencyTTL time.Duration
	concurrencyTTL time.Duration
}

// New creates a Coordinator.
func New(st store.Store, sched Scheduler, events EventPublisher, logger *slog.Logger, idempotencyTTL, concurrencyTTL time.Duration) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if idempotencyTTL <= 0 {
		idempotencyTTL = 24 * time.Hour
	}
	if concurrencyTTL <= 0 {
		concurrencyTTL = 30 * time.Minute
	}
	return &Coordinator{
		store:          st,
		scheduler:      sched,
		events:         events,
		logger:         logger.With(slog.String("component", "coordinator")),
		idempotencyTTL: idempotencyTTL,
		concurrencyTTL: concurrencyTTL,
	}
}

// EnsureRun admits a new run: idempotency lookup, concurrency admission,
// run-tree construction, persistence and idempotency registration.
func (c *Coordinator) EnsureRun(ctx context.Context, in CreateRunInput) (*model.Run, error) {
	if in.IdempotencyKey != "" {
		if existingID, found, err := c.store.LookupIdempotencyKey(ctx, in.IdempotencyKey); err != nil {
			return nil, errors.Wrap(err, "looking up idempotency key")
		} else if found {
			run, err := c.store.GetRun(ctx, existingID)
			if err == nil {
				return run, nil
			}
			if err != store.ErrNotFound {
				return nil, errors.Wrap(err, "loading existing run for idempotency key")
			}
			// Fall through: the key outlived the run record somehow; treat
			// as a fresh registration below.
		}
	}

	runID := uuid.NewString()

	if in.ConcurrencyGroup != "" {
		ttl := int64(c.concurrencyTTL.Seconds())
		ok, holder, err := c.store.AcquireConcurrencyGroup(ctx, in.ConcurrencyGroup, runID, ttl)
		if err != nil {
			return nil, errors.Wrap(err, "acquiring concurrency group")
		}
		if !ok {
			return nil, &errors.ConcurrencyBusyError{Group: in.ConcurrencyGroup, HolderID: holder}
		}
	}

	run := c.buildRun(runID, in)

	if err := c.store.SaveRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "saving run")
	}

	if in.IdempotencyKey != "" {
		ttl := int64(c.idempotencyTTL.Seconds())
		ok, existingRunID, err := c.store.RegisterIdempotencyKey(ctx, in.IdempotencyKey, runID, ttl)
		if err != nil {
			return nil, errors.Wrap(err, "registering idempotency key")
		}
		if !ok {
			return nil, &errors.IdempotencyConflictError{Key: in.IdempotencyKey, ExistingRunID: existingRunID}
		}
	}

	if c.scheduler != nil {
		if err := c.scheduler.ScheduleRun(ctx, run); err != nil {
			return nil, errors.Wrap(err, "scheduling run")
		}
	}

	now := time.Now()
	run.QueuedAt = &now
	if err := c.store.SaveRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "saving queued run")
	}

	c.logger.Info("run created", slog.String("run_id", run.ID), slog.String("workflow", run.Name))
	if c.events != nil {
		c.events.Publish(ctx, run.ID, "run.queued", map[string]any{"runId": run.ID, "workflow": run.Name})
	}
	return run, nil
}

func (c *Coordinator) buildRun(runID string, in CreateRunInput) *model.Run {
	run := &model.Run{
		ID:      runID,
		Name:    in.Spec.Name,
		Version: in.Spec.Version,
		Status:  model.RunQueued,

		CreatedAt: time.Now(),
		Trigger:   in.Trigger,
		Env:       in.Env,

		Metadata: model.RunMetadata{
			IdempotencyKey:   in.IdempotencyKey,
			ConcurrencyGroup: in.ConcurrencyGroup,
			WorkflowID:       in.Spec.ID,
			WorkflowDepth:    in.WorkflowDepth,
		},
	}

	run.Jobs = make([]*model.JobRun, 0, len(in.Spec.Jobs))
	for _, jobSpec := range in.Spec.Jobs {
		jobID := model.JobID(runID, jobSpec.Name)
		job := &model.JobRun{
			ID:                  jobID,
			Name:                jobSpec.Name,
			Status:              model.JobQueued,
			Target:              jobSpec.Target,
			Retry:               jobSpec.Retry,
			TimeoutMs:           jobSpec.TimeoutMs,
			Priority:            defaultPriority(jobSpec.Priority),
			ConcurrencyGroup:    jobSpec.ConcurrencyGroup,
			Attempt:             0,
			Needs:               jobSpec.Needs,
			PendingDependencies: append([]string(nil), jobSpec.Needs...),
			Blocked:             len(jobSpec.Needs) > 0,
			Artifacts:           jobSpec.Artifacts,
			Hooks:               sanitizeHooks(jobSpec.Hooks),
			Env:                 jobSpec.Env,
		}

		job.Steps = make([]*model.StepRun, 0, len(jobSpec.Steps))
		for i, stepSpec := range jobSpec.Steps {
			stepID := model.StepID(jobID, i)
			job.Steps = append(job.Steps, &model.StepRun{
				ID:              stepID,
				UserID:          stepSpec.ID,
				JobID:           jobID,
				Index:           i,
				Spec:            stepSpec,
				Status:          model.StepQueued,
				TimeoutMs:       stepSpec.TimeoutMs,
				ContinueOnError: stepSpec.ContinueOnError,
			})
		}

		run.Jobs = append(run.Jobs, job)
	}

	return run
}

func defaultPriority(p model.Priority) model.Priority {
	if p == "" {
		return model.PriorityNormal
	}
	return p
}

// sanitizeHooks returns h unchanged: model.StepSpec has no hooks field,
// so a hook step cannot carry nested hooks and there is nothing to drop.
func sanitizeHooks(h model.Hooks) model.Hooks {
	return h
}

// ReleaseConcurrency releases the run's held concurrency group, if any.
// Called on terminal runs.
func (c *Coordinator) ReleaseConcurrency(ctx context.Context, run *model.Run) error {
	if run.Metadata.ConcurrencyGroup == "" {
		return nil
	}
	return c.store.ReleaseConcurrencyGroup(ctx, run.Metadata.ConcurrencyGroup, run.ID)
}

// GetRun loads a run by id.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// CancelRun marks a run (and its non-terminal jobs) cancelled and
// publishes the event. Active workers observe this either through lease
// loss once the lease key is deleted, or through the runner's own
// cancellation signal where it is already wired in-process; this method
// only flips persisted state and lets the next dispatch/heartbeat notice.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	run, err := c.store.UpdateRun(ctx, runID, func(ru *model.Run) (*model.Run, error) {
		if ru.Status.Terminal() {
			return ru, nil
		}
		ru.Status = model.RunCancelled
		now := time.Now()
		ru.FinishedAt = &now
		return ru, nil
	})
	if err != nil {
		return errors.Wrap(err, "cancelling run")
	}

	for _, job := range run.Jobs {
		if job.Status.Terminal() {
			continue
		}
		jobID := job.ID
		if _, err := c.store.UpdateJob(ctx, runID, jobID, func(j *model.JobRun) (*model.JobRun, error) {
			j.Status = model.JobCancelled
			now := time.Now()
			j.FinishedAt = &now
			return j, nil
		}); err != nil {
			c.logger.Error("job cancellation write failed", slog.String("run_id", runID), slog.String("job_id", jobID), slog.Any("error", err))
		}
	}

	if c.events != nil {
		c.events.Publish(ctx, runID, "run.cancelled", map[string]any{"runId": runID})
	}
	return nil
}
