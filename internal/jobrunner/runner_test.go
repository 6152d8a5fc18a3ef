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

package jobrunner_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/artifact"
	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
	"github.com/KirillBaranov/kb-labs-workflow/internal/jobrunner"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
	"github.com/KirillBaranov/kb-labs-workflow/internal/worker"
)

type fakeShell struct {
	result executor.Result
	err    error
}

func (f *fakeShell) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	return f.result, f.err
}

// sleepingShell blocks until its context is cancelled, simulating a step
// that outlives the job's timeout.
type sleepingShell struct{}

func (s *sleepingShell) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	<-ctx.Done()
	return executor.Result{Kind: executor.ResultCancelled, ErrorMsg: "context done"}, nil
}

// producingShell writes a file into the job's artifact root before
// reporting success, simulating a step that produces a declared artifact.
type producingShell struct {
	artifactsRoot string
	relPath       string
}

func (p *producingShell) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	client, err := artifact.NewFSClient(p.artifactsRoot, req.RunID, "build")
	if err != nil {
		return executor.Result{}, err
	}
	if err := client.Produce(p.relPath, []byte("ok")); err != nil {
		return executor.Result{}, err
	}
	return executor.Result{Kind: executor.ResultSuccess}, nil
}

func seedRun(t *testing.T, st store.Store, jobName string, steps []model.StepSpec, retry model.RetryPolicy) (*model.Run, *model.JobRun) {
	t.Helper()
	jobID := model.JobID("run-1", jobName)
	stepRuns := make([]*model.StepRun, 0, len(steps))
	for i, spec := range steps {
		stepRuns = append(stepRuns, &model.StepRun{
			ID:     model.StepID(jobID, i),
			UserID: spec.ID,
			JobID:  jobID,
			Index:  i,
			Spec:   spec,
			Status: model.StepQueued,
		})
	}
	run := &model.Run{
		ID:     "run-1",
		Name:   "wf",
		Status: model.RunQueued,
		Jobs: []*model.JobRun{{
			ID:     jobID,
			Name:   jobName,
			Status: model.JobQueued,
			Retry:  retry,
			Steps:  stepRuns,
		}},
	}
	require.NoError(t, st.SaveRun(context.Background(), run))
	return run, run.Jobs[0]
}

func dispatchParams(run *model.Run, job *model.JobRun) worker.DispatchParams {
	return worker.DispatchParams{
		Entry:  &model.QueueEntry{RunID: run.ID, JobID: job.ID, JobName: job.Name},
		Cancel: make(chan worker.CancelSignal),
	}
}

func TestDispatchRunsStepsToSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "build", []model.StepSpec{
		{ID: "compile", Uses: "builtin:shell"},
	}, model.RetryPolicy{Max: 0})

	shell := &fakeShell{result: executor.Result{Kind: executor.ResultSuccess, Outputs: map[string]any{"ok": true}}}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccess, updated.Jobs[0].Status)
	assert.Equal(t, model.StepSuccess, updated.Jobs[0].Steps[0].Status)
	assert.Equal(t, model.RunSuccess, updated.Status)
}

func TestDispatchSkipsStepWhenConditionFalse(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "build", []model.StepSpec{
		{ID: "maybe", Uses: "builtin:shell", If: "env.SHOULD_RUN == \"yes\""},
	}, model.RetryPolicy{Max: 0})

	shell := &fakeShell{result: executor.Result{Kind: executor.ResultSuccess}}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepSkipped, updated.Jobs[0].Steps[0].Status)
	assert.Equal(t, model.JobSuccess, updated.Jobs[0].Status)
}

func TestDispatchRetriesFailedJobWithinPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "flaky", []model.StepSpec{
		{ID: "run-it", Uses: "builtin:shell"},
	}, model.RetryPolicy{Max: 2, Backoff: model.BackoffLinear, InitialInterval: 10 * time.Millisecond})

	shell := &fakeShell{result: executor.Result{Kind: executor.ResultFailed, ErrorMsg: "boom", ErrorCode: "STEP_EXECUTION_FAILED"}}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeRetry, outcome.Kind)
	assert.Greater(t, outcome.DelayMs, int64(0))

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, updated.Jobs[0].Status)
	assert.Equal(t, 1, updated.Jobs[0].Attempt)
}

func TestDispatchAttemptCountsAllDispatchesIncludingFinalSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "flaky", []model.StepSpec{
		{ID: "run-it", Uses: "builtin:shell"},
	}, model.RetryPolicy{Max: 2, Backoff: model.BackoffLinear, InitialInterval: 10 * time.Millisecond})

	failing := &fakeShell{result: executor.Result{Kind: executor.ResultFailed, ErrorMsg: "boom", ErrorCode: "STEP_EXECUTION_FAILED"}}
	registry := executor.NewRegistry(failing, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, outcome.Kind)
	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Jobs[0].Attempt)

	outcome, err = r.Dispatch(ctx, dispatchParams(updated, updated.Jobs[0]))
	require.NoError(t, err)
	require.Equal(t, worker.OutcomeRetry, outcome.Kind)
	updated, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Jobs[0].Attempt)

	failing.result = executor.Result{Kind: executor.ResultSuccess}
	outcome, err = r.Dispatch(ctx, dispatchParams(updated, updated.Jobs[0]))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)
	updated, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccess, updated.Jobs[0].Status)
	assert.Equal(t, 3, updated.Jobs[0].Attempt)
}

func TestDispatchFinalizesFailedJobAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "flaky", []model.StepSpec{
		{ID: "run-it", Uses: "builtin:shell"},
	}, model.RetryPolicy{Max: 0})

	shell := &fakeShell{result: executor.Result{Kind: executor.ResultFailed, ErrorMsg: "boom", ErrorCode: "STEP_EXECUTION_FAILED"}}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, updated.Jobs[0].Status)
	assert.Equal(t, model.RunFailed, updated.Status)
	require.NotNil(t, updated.Result)
	assert.Equal(t, model.RunFailed, updated.Result.Status)
}

func TestDispatchPersistsProducedArtifacts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	jobID := model.JobID("run-1", "build")
	run := &model.Run{
		ID:     "run-1",
		Name:   "wf",
		Status: model.RunQueued,
		Jobs: []*model.JobRun{{
			ID:        jobID,
			Name:      "build",
			Status:    model.JobQueued,
			Artifacts: model.ArtifactSpec{Produce: []string{"out.txt"}},
			Steps: []*model.StepRun{{
				ID:     model.StepID(jobID, 0),
				UserID: "compile",
				JobID:  jobID,
				Index:  0,
				Spec:   model.StepSpec{ID: "compile", Uses: "builtin:shell"},
				Status: model.StepQueued,
			}},
		}},
	}
	require.NoError(t, st.SaveRun(ctx, run))
	job := run.Jobs[0]

	artifactsRoot := t.TempDir()
	shell := &producingShell{artifactsRoot: artifactsRoot, relPath: "out.txt"}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, artifactsRoot, nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSuccess, updated.Jobs[0].Status)
	require.Contains(t, updated.Artifacts, "build/out.txt")
}

func TestDispatchFailsJobWithTimeoutCode(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	jobID := model.JobID("run-1", "slow")
	run := &model.Run{
		ID:     "run-1",
		Name:   "wf",
		Status: model.RunQueued,
		Jobs: []*model.JobRun{{
			ID:        jobID,
			Name:      "slow",
			Status:    model.JobQueued,
			TimeoutMs: 20,
			Retry:     model.RetryPolicy{Max: 0},
			Steps: []*model.StepRun{{
				ID:     model.StepID(jobID, 0),
				UserID: "wait",
				JobID:  jobID,
				Index:  0,
				Spec:   model.StepSpec{ID: "wait", Uses: "builtin:shell"},
				Status: model.StepQueued,
			}},
		}},
	}
	require.NoError(t, st.SaveRun(ctx, run))
	job := run.Jobs[0]

	registry := executor.NewRegistry(&sleepingShell{}, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, updated.Jobs[0].Status)
	require.NotNil(t, updated.Jobs[0].Error)
	assert.Equal(t, "JOB_TIMEOUT", updated.Jobs[0].Error.Code)
	assert.Equal(t, model.RunFailed, updated.Status)
}

func TestDispatchRetriesJobTimeoutWithinPolicy(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	jobID := model.JobID("run-1", "slow")
	run := &model.Run{
		ID:     "run-1",
		Name:   "wf",
		Status: model.RunQueued,
		Jobs: []*model.JobRun{{
			ID:        jobID,
			Name:      "slow",
			Status:    model.JobQueued,
			TimeoutMs: 20,
			Retry:     model.RetryPolicy{Max: 1, Backoff: model.BackoffLinear, InitialInterval: 10 * time.Millisecond},
			Steps: []*model.StepRun{{
				ID:     model.StepID(jobID, 0),
				UserID: "wait",
				JobID:  jobID,
				Index:  0,
				Spec:   model.StepSpec{ID: "wait", Uses: "builtin:shell"},
				Status: model.StepQueued,
			}},
		}},
	}
	require.NoError(t, st.SaveRun(ctx, run))
	job := run.Jobs[0]

	registry := executor.NewRegistry(&sleepingShell{}, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeRetry, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, updated.Jobs[0].Status)
	assert.Equal(t, 1, updated.Jobs[0].Attempt)
}

func TestDispatchDoesNotRetryInvalidIfExpression(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "build", []model.StepSpec{
		{ID: "bad", Uses: "builtin:shell", If: "1 + 1"},
	}, model.RetryPolicy{Max: 3, Backoff: model.BackoffLinear, InitialInterval: 10 * time.Millisecond})

	shell := &fakeShell{result: executor.Result{Kind: executor.ResultSuccess}}
	registry := executor.NewRegistry(shell, nil, nil, nil)
	r := jobrunner.New(st, registry, nil, nil, nil, t.TempDir(), nil)

	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeCompleted, outcome.Kind)

	updated, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, updated.Jobs[0].Status)
	require.NotNil(t, updated.Jobs[0].Error)
	assert.Equal(t, "INVALID_IF_EXPRESSION", updated.Jobs[0].Error.Code)
}

func TestDispatchSkipsWhenJobAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run, job := seedRun(t, st, "build", nil, model.RetryPolicy{})
	job.Status = model.JobSuccess
	require.NoError(t, st.SaveRun(ctx, run))

	r := jobrunner.New(st, executor.NewRegistry(nil, nil, nil, nil), nil, nil, nil, t.TempDir(), nil)
	outcome, err := r.Dispatch(ctx, dispatchParams(run, job))
	require.NoError(t, err)
	assert.Equal(t, worker.OutcomeSkipped, outcome.Kind)
}
