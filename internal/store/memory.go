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

package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// Compile-time interface assertion, in the teacher's style.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store used by unit tests that don't need a
// real or fake Redis; it plays the same role the teacher's backend/memory
// package plays for the controller backend.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*model.Run
	order []string // createdAt index, append-only

	idempotency map[string]idemEntry
	concurrency map[string]concEntry
	leases      map[string]leaseEntry
}

type idemEntry struct {
	runID     string
	expiresAt time.Time
}

type concEntry struct {
	runID     string
	expiresAt time.Time
}

type leaseEntry struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*model.Run),
		idempotency: make(map[string]idemEntry),
		concurrency: make(map[string]concEntry),
		leases:      make(map[string]leaseEntry),
	}
}

func deepCopyRun(run *model.Run) *model.Run {
	if run == nil {
		return nil
	}
	b, _ := json.Marshal(run)
	var out model.Run
	_ = json.Unmarshal(b, &out)
	return &out
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = deepCopyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return deepCopyRun(run), nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, runID string, mutate RunMutator) (*model.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}

	updated, err := mutate(deepCopyRun(current))
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	s.runs[runID] = deepCopyRun(updated)
	return deepCopyRun(updated), nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, runID, jobID string, mutate JobMutator) (*model.JobRun, error) {
	var result *model.JobRun
	_, err := s.UpdateRun(ctx, runID, func(run *model.Run) (*model.Run, error) {
		job := run.JobByID(jobID)
		if job == nil {
			return run, nil
		}
		updated, err := mutate(job)
		if err != nil {
			return nil, err
		}
		if updated == nil {
			result = nil
			return run, nil
		}
		for i, j := range run.Jobs {
			if j.ID == jobID {
				run.Jobs[i] = updated
				break
			}
		}
		result = updated
		return run, nil
	})
	return result, err
}

func (s *MemoryStore) UpdateStep(ctx context.Context, runID, jobID, stepID string, mutate StepMutator) (*model.StepRun, error) {
	var result *model.StepRun
	_, err := s.UpdateJob(ctx, runID, jobID, func(job *model.JobRun) (*model.JobRun, error) {
		for i, st := range job.Steps {
			if st.ID == stepID {
				updated, err := mutate(st)
				if err != nil {
					return nil, err
				}
				if updated == nil {
					result = nil
					return job, nil
				}
				job.Steps[i] = updated
				result = updated
				return job, nil
			}
		}
		return job, nil
	})
	return result, err
}

func (s *MemoryStore) ReleaseBlockedJobs(ctx context.Context, runID, completedJobName string) ([]*model.JobRun, error) {
	var unblocked []*model.JobRun
	_, err := s.UpdateRun(ctx, runID, func(run *model.Run) (*model.Run, error) {
		for _, job := range run.Jobs {
			if job.Status != model.JobQueued || !job.Blocked {
				continue
			}
			job.PendingDependencies = removeString(job.PendingDependencies, completedJobName)
			if len(job.PendingDependencies) == 0 {
				job.Blocked = false
				unblocked = append(unblocked, job)
			}
		}
		return run, nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*model.JobRun, len(unblocked))
	for i, j := range unblocked {
		cp := *j
		out[i] = &cp
	}
	return out, nil
}

func removeString(list []string, v string) []string {
	out := list[:0:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func (s *MemoryStore) ListRecentRuns(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type idAt struct {
		id string
		at time.Time
	}
	all := make([]idAt, 0, len(s.order))
	for _, id := range s.order {
		if run, ok := s.runs[id]; ok {
			all = append(all, idAt{id, run.CreatedAt})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.After(all[j].at) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	ids := make([]string, len(all))
	for i, a := range all {
		ids[i] = a.id
	}
	return ids, nil
}

func (s *MemoryStore) RegisterIdempotencyKey(ctx context.Context, key, runID string, ttlSeconds int64) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.idempotency[key]; ok && existing.expiresAt.After(now) {
		return false, existing.runID, nil
	}
	s.idempotency[key] = idemEntry{runID: runID, expiresAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	return true, "", nil
}

func (s *MemoryStore) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.idempotency[key]
	if !ok || entry.expiresAt.Before(time.Now()) {
		return "", false, nil
	}
	return entry.runID, true, nil
}

func (s *MemoryStore) AcquireConcurrencyGroup(ctx context.Context, group, runID string, ttlSeconds int64) (bool, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.concurrency[group]; ok && existing.expiresAt.After(now) {
		return false, existing.runID, nil
	}
	s.concurrency[group] = concEntry{runID: runID, expiresAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	return true, "", nil
}

func (s *MemoryStore) ReleaseConcurrencyGroup(ctx context.Context, group, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.concurrency[group]; ok && existing.runID == runID {
		delete(s.concurrency, group)
	}
	return nil
}

func (s *MemoryStore) AcquireLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.leases[jobID]; ok && existing.expiresAt.After(now) {
		return false, nil
	}
	s.leases[jobID] = leaseEntry{owner: ownerToken, expiresAt: now.Add(time.Duration(ttlSeconds) * time.Second)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.leases[jobID]
	if !ok || existing.owner != ownerToken {
		return false, nil
	}
	existing.expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	s.leases[jobID] = existing
	return true, nil
}

func (s *MemoryStore) CurrentLeaseOwner(ctx context.Context, jobID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, ok := s.leases[jobID]
	if !ok || existing.expiresAt.Before(time.Now()) {
		return "", false, nil
	}
	return existing.owner, true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, jobID, ownerToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.leases[jobID]; ok && existing.owner == ownerToken {
		delete(s.leases, jobID)
	}
	return nil
}
