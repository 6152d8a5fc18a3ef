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

// Package store persists and mutates Run/Job/Step records under
// read-modify-write discipline.
package store

import (
	"context"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// RunMutator receives a deep copy of the current run and returns the value
// to persist. Returning nil leaves the run untouched (and updateRun
// reports "not found" semantics to the caller via a nil result).
type RunMutator func(run *model.Run) (*model.Run, error)

// JobMutator mutates a single job within a run.
type JobMutator func(job *model.JobRun) (*model.JobRun, error)

// StepMutator mutates a single step within a job.
type StepMutator func(step *model.StepRun) (*model.StepRun, error)

// Store is the state store's external contract.
type Store interface {
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	DeleteRun(ctx context.Context, runID string) error
	UpdateRun(ctx context.Context, runID string, mutate RunMutator) (*model.Run, error)
	UpdateJob(ctx context.Context, runID, jobID string, mutate JobMutator) (*model.JobRun, error)
	UpdateStep(ctx context.Context, runID, jobID, stepID string, mutate StepMutator) (*model.StepRun, error)

	// ReleaseBlockedJobs removes completedJobName from every queued job's
	// pendingDependencies and returns the jobs that became unblocked.
	ReleaseBlockedJobs(ctx context.Context, runID, completedJobName string) ([]*model.JobRun, error)

	// ListRecentRuns returns up to limit run ids from the createdAt-sorted
	// index, most recent first.
	ListRecentRuns(ctx context.Context, limit int) ([]string, error)

	// Idempotency registers key -> runID with a TTL via compare-and-set.
	// ok is false (no error) when the key is already registered;
	// existingRunID then names the run it maps to.
	RegisterIdempotencyKey(ctx context.Context, key, runID string, ttlSeconds int64) (ok bool, existingRunID string, err error)
	LookupIdempotencyKey(ctx context.Context, key string) (runID string, found bool, err error)

	// Concurrency group lock, compare-and-set with TTL.
	AcquireConcurrencyGroup(ctx context.Context, group, runID string, ttlSeconds int64) (ok bool, holderRunID string, err error)
	ReleaseConcurrencyGroup(ctx context.Context, group, runID string) error

	// Job lease, owner-token compare-and-set with TTL.
	AcquireLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (ok bool, err error)
	RenewLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (ok bool, err error)
	CurrentLeaseOwner(ctx context.Context, jobID string) (ownerToken string, found bool, err error)
	ReleaseLease(ctx context.Context, jobID, ownerToken string) error
}

// ErrNotFound is returned when a run/job/step lookup fails.
var ErrNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "store: record not found" }
