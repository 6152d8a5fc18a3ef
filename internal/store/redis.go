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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

const (
	keyRunPrefix    = "kb:run:"
	keyRunIndex     = "workflow:runs:index"
	keyConcPrefix   = "kb:concurrency:"
	keyIdemPrefix   = "kb:idempotency:"
	keyLeasePrefix  = "kb:lock:job-lease:"
)

// renewScript atomically extends a lease's TTL only if the caller still
// holds it, mirroring the double-checked lease pattern in the worker's
// heartbeat contract.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

// releaseScript deletes a key only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Compile-time interface assertion.
var _ Store = (*RedisStore)(nil)

// RedisStore is the Redis-backed state store. Connection is established
// lazily on first use and guarded by a double-checked lock, the shape
// grounded on the reference Redis client wrapper used elsewhere in the
// retrieval pack (no concrete source exists for it; this is a rebuild from
// its test-only API surface, see DESIGN.md).
type RedisStore struct {
	opts *redis.Options

	mu     sync.RWMutex
	client *redis.Client
}

// NewRedisStore creates a RedisStore that will lazily connect to addr.
func NewRedisStore(addr, password string, db int) *RedisStore {
	return &RedisStore{
		opts: &redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		},
	}
}

// NewRedisStoreFromClient wraps an already-constructed client, used by
// tests against miniredis.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// EnsureConnection lazily constructs the underlying client and pings it.
func (s *RedisStore) EnsureConnection(ctx context.Context) (*redis.Client, error) {
	s.mu.RLock()
	if s.client != nil {
		c := s.client
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.opts == nil {
		return nil, errors.New("store: no redis options configured")
	}
	client := redis.NewClient(s.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: connecting to redis: %w", err)
	}
	s.client = client
	return client, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

func (s *RedisStore) client0(ctx context.Context) (*redis.Client, error) {
	return s.EnsureConnection(ctx)
}

func (s *RedisStore) SaveRun(ctx context.Context, run *model.Run) error {
	c, err := s.client0(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	pipe := c.TxPipeline()
	pipe.Set(ctx, keyRunPrefix+run.ID, payload, 0)
	pipe.ZAdd(ctx, keyRunIndex, redis.Z{Score: float64(run.CreatedAt.UnixMilli()), Member: run.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := c.Get(ctx, keyRunPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var run model.Run
	if err := json.Unmarshal(payload, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *RedisStore) DeleteRun(ctx context.Context, runID string) error {
	c, err := s.client0(ctx)
	if err != nil {
		return err
	}
	pipe := c.TxPipeline()
	pipe.Del(ctx, keyRunPrefix+runID)
	pipe.ZRem(ctx, keyRunIndex, runID)
	_, err = pipe.Exec(ctx)
	return err
}

// UpdateRun implements the store's read-modify-write contract: correctness
// beyond last-writer-wins on the whole document is provided by the lease
// discipline elsewhere, not by this method.
func (s *RedisStore) UpdateRun(ctx context.Context, runID string, mutate RunMutator) (*model.Run, error) {
	current, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	updated, err := mutate(current)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, nil
	}
	if err := s.SaveRun(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) UpdateJob(ctx context.Context, runID, jobID string, mutate JobMutator) (*model.JobRun, error) {
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

func (s *RedisStore) UpdateStep(ctx context.Context, runID, jobID, stepID string, mutate StepMutator) (*model.StepRun, error) {
	var result *model.StepRun
	_, err := s.UpdateJob(ctx, runID, jobID, func(job *model.JobRun) (*model.JobRun, error) {
		for i, st := range job.Steps {
			if st.ID == stepID {
				updated, err := mutate(st)
				if err != nil {
					return nil, err
				}
				if updated == nil {
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

func (s *RedisStore) ReleaseBlockedJobs(ctx context.Context, runID, completedJobName string) ([]*model.JobRun, error) {
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
	return unblocked, err
}

func (s *RedisStore) ListRecentRuns(ctx context.Context, limit int) ([]string, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return c.ZRevRange(ctx, keyRunIndex, 0, int64(limit-1)).Result()
}

func (s *RedisStore) RegisterIdempotencyKey(ctx context.Context, key, runID string, ttlSeconds int64) (bool, string, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return false, "", err
	}
	ok, err := c.SetNX(ctx, keyIdemPrefix+key, runID, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	existing, err := c.Get(ctx, keyIdemPrefix+key).Result()
	if err != nil {
		return false, "", err
	}
	return false, existing, nil
}

func (s *RedisStore) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return "", false, err
	}
	runID, err := c.Get(ctx, keyIdemPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return runID, true, nil
}

func (s *RedisStore) AcquireConcurrencyGroup(ctx context.Context, group, runID string, ttlSeconds int64) (bool, string, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return false, "", err
	}
	ok, err := c.SetNX(ctx, keyConcPrefix+group, runID, time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, "", err
	}
	if ok {
		return true, "", nil
	}
	holder, err := c.Get(ctx, keyConcPrefix+group).Result()
	if err != nil {
		return false, "", err
	}
	return false, holder, nil
}

func (s *RedisStore) ReleaseConcurrencyGroup(ctx context.Context, group, runID string) error {
	c, err := s.client0(ctx)
	if err != nil {
		return err
	}
	return releaseScript.Run(ctx, c, []string{keyConcPrefix + group}, runID).Err()
}

func (s *RedisStore) AcquireLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return false, err
	}
	return c.SetNX(ctx, keyLeasePrefix+jobID, ownerToken, time.Duration(ttlSeconds)*time.Second).Result()
}

func (s *RedisStore) RenewLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return false, err
	}
	res, err := renewScript.Run(ctx, c, []string{keyLeasePrefix + jobID}, ownerToken, ttlSeconds*1000).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) CurrentLeaseOwner(ctx context.Context, jobID string) (string, bool, error) {
	c, err := s.client0(ctx)
	if err != nil {
		return "", false, err
	}
	owner, err := c.Get(ctx, keyLeasePrefix+jobID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (s *RedisStore) ReleaseLease(ctx context.Context, jobID, ownerToken string) error {
	c, err := s.client0(ctx)
	if err != nil {
		return err
	}
	return releaseScript.Run(ctx, c, []string{keyLeasePrefix + jobID}, ownerToken).Err()
}
