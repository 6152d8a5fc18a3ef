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

package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/scheduler"
	"github.com/KirillBaranov/kb-labs-workflow/internal/worker"
)

type fakeScheduler struct {
	mu       sync.Mutex
	entries  []*scheduler.Entry
	enqueued []*model.JobRun
}

func (f *fakeScheduler) DequeueJob(ctx context.Context) (*scheduler.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		return nil, nil
	}
	e := f.entries[0]
	f.entries = f.entries[1:]
	return e, nil
}

func (f *fakeScheduler) Reschedule(ctx context.Context, entry *scheduler.Entry, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeScheduler) EnqueueJob(ctx context.Context, runID string, job *model.JobRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	return nil
}

type fakeLeases struct {
	mu      sync.Mutex
	holders map[string]string
}

func newFakeLeases() *fakeLeases {
	return &fakeLeases{holders: make(map[string]string)}
}

func (f *fakeLeases) AcquireLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.holders[jobID]; exists {
		return false, nil
	}
	f.holders[jobID] = ownerToken
	return true, nil
}

func (f *fakeLeases) RenewLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holders[jobID] == ownerToken, nil
}

func (f *fakeLeases) ReleaseLease(ctx context.Context, jobID, ownerToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[jobID] == ownerToken {
		delete(f.holders, jobID)
	}
	return nil
}

type fakeRunner struct {
	outcome worker.Outcome
	called  chan struct{}
}

func (f *fakeRunner) Dispatch(ctx context.Context, params worker.DispatchParams) (worker.Outcome, error) {
	close(f.called)
	return f.outcome, nil
}

func TestWorkerDispatchesReadyEntryAndUnblocksDependents(t *testing.T) {
	entry := &scheduler.Entry{JobID: "run-1:build", RunID: "run-1", JobName: "build"}
	sched := &fakeScheduler{entries: []*scheduler.Entry{entry}}
	leases := newFakeLeases()
	runner := &fakeRunner{
		outcome: worker.Outcome{
			Kind:          worker.OutcomeCompleted,
			UnblockedJobs: []*model.JobRun{{ID: "run-1:deploy", Name: "deploy"}},
		},
		called: make(chan struct{}),
	}

	cfg := worker.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	w := worker.New(cfg, sched, leases, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go w.Run(ctx)

	select {
	case <-runner.called:
	case <-time.After(time.Second):
		t.Fatal("dispatch was never called")
	}

	time.Sleep(20 * time.Millisecond)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.Len(t, sched.enqueued, 1)
	require.Equal(t, "deploy", sched.enqueued[0].Name)
}

func TestWorkerRequeuesWhenLeaseIsHeldByAnother(t *testing.T) {
	entry := &scheduler.Entry{JobID: "run-2:build", RunID: "run-2", JobName: "build"}
	sched := &fakeScheduler{entries: []*scheduler.Entry{entry}}
	leases := newFakeLeases()
	leases.holders["run-2:build"] = "someone-else"

	runner := &fakeRunner{called: make(chan struct{})}
	cfg := worker.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	w := worker.New(cfg, sched, leases, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	sched.mu.Lock()
	defer sched.mu.Unlock()
	require.GreaterOrEqual(t, len(sched.entries), 1)
}
