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

package executor_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

type fakeResolver struct {
	paths map[string]string
}

func (r *fakeResolver) Resolve(ctx context.Context, id string) (string, error) {
	path, ok := r.paths[id]
	if !ok {
		return "", fmt.Errorf("no such workflow: %s", id)
	}
	return path, nil
}

type fakeCoordinator struct {
	mu      sync.Mutex
	runs    map[string]*model.Run
	spawned []coordinator.CreateRunInput
	nextID  int
	cancels []string
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{runs: map[string]*model.Run{}}
}

func (c *fakeCoordinator) EnsureRun(ctx context.Context, in coordinator.CreateRunInput) (*model.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := fmt.Sprintf("child-%d", c.nextID)
	run := &model.Run{ID: id, Name: in.Spec.Name, Status: model.RunRunning, Trigger: in.Trigger}
	c.runs[id] = run
	c.spawned = append(c.spawned, in)
	return run, nil
}

func (c *fakeCoordinator) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	run, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("no such run: %s", runID)
	}
	cp := *run
	return &cp, nil
}

func (c *fakeCoordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, runID)
	if run, ok := c.runs[runID]; ok {
		run.Status = model.RunCancelled
	}
	return nil
}

func (c *fakeCoordinator) finish(runID string, status model.RunStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs[runID].Status = status
}

func loaderFor(spec *coordinator.WorkflowSpec) executor.WorkflowLoader {
	return func(path string) (*coordinator.WorkflowSpec, error) {
		return spec, nil
	}
}

func TestWorkflowExecutorSpawnsPollsAndReportsSuccess(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/flows/deploy.yaml"}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{
		Resolver:     resolver,
		Loader:       loaderFor(&coordinator.WorkflowSpec{ID: "deploy", Name: "deploy"}),
		Coordinator:  coord,
		PollInterval: 5 * time.Millisecond,
	}

	go func() {
		time.Sleep(15 * time.Millisecond)
		coord.finish("child-1", model.RunSuccess)
	}()

	result, err := e.Execute(context.Background(), executor.Request{RunID: "parent-1", JobID: "job-1", StepID: "step-1", Uses: "workflow:deploy"})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultSuccess, result.Kind)
	childResult, ok := result.Outputs["childResult"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "child-1", childResult["runId"])

	require.Len(t, coord.spawned, 1)
	assert.Equal(t, model.TriggerWorkflow, coord.spawned[0].Trigger.Kind)
	assert.Equal(t, "parent-1", coord.spawned[0].Trigger.ParentRunID)
}

func TestWorkflowExecutorMapsChildFailure(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/flows/deploy.yaml"}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{
		Resolver:     resolver,
		Loader:       loaderFor(&coordinator.WorkflowSpec{ID: "deploy", Name: "deploy"}),
		Coordinator:  coord,
		PollInterval: 5 * time.Millisecond,
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		coord.finish("child-1", model.RunFailed)
	}()

	result, err := e.Execute(context.Background(), executor.Request{RunID: "parent-1", Uses: "workflow:deploy"})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultFailed, result.Kind)
	assert.Equal(t, "CHILD_WORKFLOW_FAILED", result.ErrorCode)
}

func TestWorkflowExecutorRejectsDepthExceeded(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/flows/deploy.yaml"}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{
		Resolver:    resolver,
		Loader:      loaderFor(&coordinator.WorkflowSpec{ID: "deploy", Name: "deploy"}),
		Coordinator: coord,
		MaxDepth:    2,
	}

	result, err := e.Execute(context.Background(), executor.Request{
		Uses: "workflow:deploy",
		With: map[string]any{"__parentWorkflowDepth": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultFailed, result.Kind)
	assert.Equal(t, "WORKFLOW_DEPTH_EXCEEDED", result.ErrorCode)
	assert.Empty(t, coord.spawned)
}

func TestWorkflowExecutorRejectsFireAndForget(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/flows/deploy.yaml"}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{Resolver: resolver, Loader: loaderFor(&coordinator.WorkflowSpec{ID: "deploy"}), Coordinator: coord}

	result, err := e.Execute(context.Background(), executor.Request{
		Uses: "workflow:deploy",
		With: map[string]any{"mode": "fire-and-forget"},
	})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultFailed, result.Kind)
	assert.Equal(t, "UNSUPPORTED_MODE", result.ErrorCode)
}

func TestWorkflowExecutorReportsNotFound(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{Resolver: resolver, Loader: loaderFor(nil), Coordinator: coord}

	result, err := e.Execute(context.Background(), executor.Request{Uses: "workflow:missing"})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultFailed, result.Kind)
	assert.Equal(t, "WORKFLOW_NOT_FOUND", result.ErrorCode)
}

func TestWorkflowExecutorCancelsChildOnParentCancellation(t *testing.T) {
	resolver := &fakeResolver{paths: map[string]string{"deploy": "/flows/deploy.yaml"}}
	coord := newFakeCoordinator()
	e := &executor.WorkflowExecutor{
		Resolver:     resolver,
		Loader:       loaderFor(&coordinator.WorkflowSpec{ID: "deploy", Name: "deploy"}),
		Coordinator:  coord,
		PollInterval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result, err := e.Execute(ctx, executor.Request{Uses: "workflow:deploy"})
	require.NoError(t, err)
	assert.Equal(t, executor.ResultCancelled, result.Kind)
	assert.Contains(t, coord.cancels, "child-1")
}
