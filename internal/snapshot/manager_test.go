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

package snapshot_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/snapshot"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
)

type fakeScheduler struct {
	scheduled []*model.Run
}

func (f *fakeScheduler) ScheduleRun(_ context.Context, run *model.Run) error {
	f.scheduled = append(f.scheduled, run)
	return nil
}

func twoJobRun(runID string) *model.Run {
	buildID := model.JobID(runID, "build")
	deployID := model.JobID(runID, "deploy")
	now := time.Now()
	return &model.Run{
		ID:        runID,
		Name:      "build-and-deploy",
		Status:    model.RunRunning,
		CreatedAt: now,
		StartedAt: &now,
		Jobs: []*model.JobRun{
			{
				ID:     buildID,
				Name:   "build",
				Status: model.JobRunning,
				Steps: []*model.StepRun{
					{ID: model.StepID(buildID, 0), UserID: "compile", JobID: buildID, Index: 0, Status: model.StepSuccess},
					{ID: model.StepID(buildID, 1), UserID: "package", JobID: buildID, Index: 1, Status: model.StepRunning},
				},
			},
			{
				ID:                  deployID,
				Name:                "deploy",
				Status:              model.JobQueued,
				Needs:               []string{"build"},
				PendingDependencies: []string{"build"},
				Blocked:             true,
				Steps: []*model.StepRun{
					{ID: model.StepID(deployID, 0), UserID: "push", JobID: deployID, Index: 0, Status: model.StepQueued},
				},
			},
		},
	}
}

func TestCreateAndReplayFromStep(t *testing.T) {
	ctx := context.Background()
	snaps := snapshot.NewMemoryStore(0)
	runs := store.NewMemoryStore()
	sched := &fakeScheduler{}
	mgr := snapshot.New(snaps, runs, sched, nil, nil)

	run := twoJobRun("run-1")
	require.NoError(t, runs.SaveRun(ctx, run))

	stepOutputs := map[string]map[string]any{
		"compile": {"exitCode": 0},
	}
	_, err := mgr.Create(ctx, run, stepOutputs, map[string]string{"ENV": "prod"})
	require.NoError(t, err)

	buildID := model.JobID("run-1", "build")
	targetStep := model.StepID(buildID, 1) // "package" step

	restored, err := mgr.Replay(ctx, "run-1", snapshot.ReplayOptions{FromStepID: targetStep})
	require.NoError(t, err)

	assert.Equal(t, model.RunRunning, restored.Status)
	assert.Nil(t, restored.FinishedAt)
	assert.Equal(t, "prod", restored.Env["ENV"])

	build := restored.JobByID(buildID)
	require.NotNil(t, build)
	assert.Equal(t, model.JobQueued, build.Status)
	assert.Equal(t, model.StepSuccess, build.Steps[0].Status)
	assert.Equal(t, float64(0), build.Steps[0].Outputs["exitCode"])
	assert.Equal(t, model.StepQueued, build.Steps[1].Status)

	deploy := restored.JobByID(model.JobID("run-1", "deploy"))
	require.NotNil(t, deploy)
	assert.Equal(t, model.JobQueued, deploy.Status)
	assert.Equal(t, model.StepQueued, deploy.Steps[0].Status)

	require.Len(t, sched.scheduled, 1)
	assert.Equal(t, "run-1", sched.scheduled[0].ID)

	persisted, err := runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunRunning, persisted.Status)
}

func TestReplayFullReset(t *testing.T) {
	ctx := context.Background()
	snaps := snapshot.NewMemoryStore(0)
	runs := store.NewMemoryStore()
	mgr := snapshot.New(snaps, runs, nil, nil, nil)

	run := twoJobRun("run-2")
	require.NoError(t, runs.SaveRun(ctx, run))
	_, err := mgr.Create(ctx, run, nil, nil)
	require.NoError(t, err)

	restored, err := mgr.Replay(ctx, "run-2", snapshot.ReplayOptions{})
	require.NoError(t, err)

	for _, job := range restored.Jobs {
		assert.Equal(t, model.JobQueued, job.Status)
		for _, st := range job.Steps {
			assert.Equal(t, model.StepQueued, st.Status)
		}
	}
}

func TestReplayUnknownStepFails(t *testing.T) {
	ctx := context.Background()
	snaps := snapshot.NewMemoryStore(0)
	runs := store.NewMemoryStore()
	mgr := snapshot.New(snaps, runs, nil, nil, nil)

	run := twoJobRun("run-3")
	require.NoError(t, runs.SaveRun(ctx, run))
	_, err := mgr.Create(ctx, run, nil, nil)
	require.NoError(t, err)

	_, err = mgr.Replay(ctx, "run-3", snapshot.ReplayOptions{FromStepID: "does-not-exist"})
	assert.Error(t, err)
}

func TestReplayMissingSnapshot(t *testing.T) {
	ctx := context.Background()
	snaps := snapshot.NewMemoryStore(0)
	runs := store.NewMemoryStore()
	mgr := snapshot.New(snaps, runs, nil, nil, nil)

	_, err := mgr.Replay(ctx, "unknown-run", snapshot.ReplayOptions{})
	assert.ErrorIs(t, err, snapshot.ErrNotFound)
}
