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

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
)

// Scheduler is the subset of the scheduler's contract Replay needs to
// re-enqueue a restored run's unblocked jobs.
type Scheduler interface {
	ScheduleRun(ctx context.Context, run *model.Run) error
}

// EventPublisher is notified when a run is restored from a snapshot. nil is
// a valid no-op; satisfied by *events.Bridge.
type EventPublisher interface {
	Publish(ctx context.Context, runID string, eventType string, payload map[string]any)
}

// Manager implements createSnapshot/replayRun against a Store of
// snapshots, the run Store, and the Scheduler.
type Manager struct {
	snapshots Store
	runs      store.Store
	scheduler Scheduler
	events    EventPublisher
	logger    *slog.Logger
}

// New creates a Manager.
func New(snapshots Store, runs store.Store, scheduler Scheduler, events EventPublisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		snapshots: snapshots,
		runs:      runs,
		scheduler: scheduler,
		events:    events,
		logger:    logger.With(slog.String("component", "snapshot")),
	}
}

// Create captures a run's current state, including per-step outputs keyed
// by the step's user id (for later expression resolution) and the run's
// environment, and persists it through the snapshot Store, which applies
// its own TTL (DefaultTTL unless the Store was built with another).
func (m *Manager) Create(ctx context.Context, run *model.Run, stepOutputs map[string]map[string]any, env map[string]string) (*Snapshot, error) {
	snap := &Snapshot{
		RunID:       run.ID,
		Run:         deepCopyRun(run),
		StepOutputs: stepOutputs,
		Env:         env,
		CreatedAt:   time.Now(),
		Version:     snapshotVersion,
	}
	if err := m.snapshots.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("snapshot: saving run %s: %w", run.ID, err)
	}
	return snap, nil
}

// ReplayOptions controls how a replayed run is restored.
type ReplayOptions struct {
	// FromStepID restarts execution at this step (identified by
	// "<jobId>:<index>"); every step strictly before it is marked success
	// and the target plus every later step is reset to queued. Empty
	// resets every step in the run.
	FromStepID string
	// StepOutputs, if set, overrides the snapshot's captured outputs for
	// steps marked success ahead of FromStepID.
	StepOutputs map[string]map[string]any
	// Env, if set, overrides the snapshot's captured environment.
	Env map[string]string
}

// Replay loads the snapshot for runID, restores the run to a running state
// per opts, persists it, and re-enqueues it through the scheduler.
func (m *Manager) Replay(ctx context.Context, runID string, opts ReplayOptions) (*model.Run, error) {
	snap, err := m.snapshots.LoadSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := deepCopyRun(snap.Run)

	run.Status = model.RunRunning
	run.FinishedAt = nil
	run.DurationMs = 0
	run.Result = nil

	env := opts.Env
	if env == nil {
		env = snap.Env
	}
	run.Env = env

	stepOutputs := opts.StepOutputs
	if stepOutputs == nil {
		stepOutputs = snap.StepOutputs
	}

	if opts.FromStepID == "" {
		for _, job := range run.Jobs {
			resetJob(job)
		}
	} else {
		found := false
		for _, job := range run.Jobs {
			if found {
				resetJob(job)
				continue
			}
			idx := stepIndex(job, opts.FromStepID)
			if idx == -1 {
				markJobSuccess(job, stepOutputs)
				continue
			}
			found = true
			for i, st := range job.Steps {
				if i < idx {
					markStepSuccess(st, stepOutputs)
				} else {
					resetStep(st)
				}
			}
			job.Status = model.JobQueued
			job.StartedAt = nil
			job.FinishedAt = nil
			job.DurationMs = 0
			job.Error = nil
			job.PendingDependencies = nil
			job.Blocked = false
		}
		if !found {
			return nil, fmt.Errorf("snapshot: step %q not found in run %s", opts.FromStepID, runID)
		}
	}

	if err := m.runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("snapshot: saving restored run %s: %w", runID, err)
	}
	if m.scheduler != nil {
		if err := m.scheduler.ScheduleRun(ctx, run); err != nil {
			return nil, fmt.Errorf("snapshot: scheduling restored run %s: %w", runID, err)
		}
	}

	m.logger.Info("run replayed", slog.String("run_id", runID), slog.String("from_step", opts.FromStepID))
	if m.events != nil {
		m.events.Publish(ctx, runID, "run.replayed", map[string]any{"runId": runID, "fromStepId": opts.FromStepID})
	}
	return run, nil
}

func stepIndex(job *model.JobRun, stepID string) int {
	for i, st := range job.Steps {
		if st.ID == stepID {
			return i
		}
	}
	return -1
}

func resetJob(job *model.JobRun) {
	job.Status = model.JobQueued
	job.StartedAt = nil
	job.FinishedAt = nil
	job.DurationMs = 0
	job.Error = nil
	job.Attempt = 0
	job.PendingDependencies = append([]string(nil), job.Needs...)
	job.Blocked = len(job.Needs) > 0
	for _, st := range job.Steps {
		resetStep(st)
	}
}

func resetStep(st *model.StepRun) {
	st.Status = model.StepQueued
	st.Attempt = 0
	st.StartedAt = nil
	st.FinishedAt = nil
	st.DurationMs = 0
	st.SkipReason = ""
	st.Outputs = nil
	st.Error = nil
}

func markJobSuccess(job *model.JobRun, stepOutputs map[string]map[string]any) {
	job.Status = model.JobSuccess
	job.PendingDependencies = nil
	job.Blocked = false
	for _, st := range job.Steps {
		markStepSuccess(st, stepOutputs)
	}
}

func markStepSuccess(st *model.StepRun, stepOutputs map[string]map[string]any) {
	st.Status = model.StepSuccess
	st.Error = nil
	st.SkipReason = ""
	if st.UserID != "" {
		if outputs, ok := stepOutputs[st.UserID]; ok {
			st.Outputs = outputs
		}
	}
}

// deepCopyRun round-trips through JSON, the same deep-copy technique
// store.MemoryStore uses for its own records.
func deepCopyRun(run *model.Run) *model.Run {
	if run == nil {
		return nil
	}
	b, err := json.Marshal(run)
	if err != nil {
		return run
	}
	var out model.Run
	if err := json.Unmarshal(b, &out); err != nil {
		return run
	}
	return &out
}
