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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

func keyForPriority(p model.Priority) string {
	return "kb:jobs:queue:" + string(p)
}

// removeScript atomically removes a specific member from a sorted set,
// used so two workers racing the same low-scoring entry don't both win it.
var removeScript = redis.NewScript(`
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  return redis.call("ZREM", KEYS[1], ARGV[1])
else
  return 0
end
`)

// RedisScheduler is the Redis sorted-set backed ready queue: three sets,
// one per priority band, scored by availableAt.
type RedisScheduler struct {
	client    *redis.Client
	lookAhead time.Duration
}

// NewRedisScheduler creates a scheduler against an already-connected client.
func NewRedisScheduler(client *redis.Client, lookAhead time.Duration) *RedisScheduler {
	if lookAhead <= 0 {
		lookAhead = defaultLookAhead
	}
	return &RedisScheduler{client: client, lookAhead: lookAhead}
}

// ScheduleRun enqueues every job in run whose dependencies are already
// satisfied (Blocked == false). Blocked jobs are held back and released
// later as their dependencies complete.
func (s *RedisScheduler) ScheduleRun(ctx context.Context, run *model.Run) error {
	for _, job := range run.Jobs {
		if job.Blocked {
			continue
		}
		if err := s.EnqueueJob(ctx, run.ID, job); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueJob inserts one entry at availableAt = now.
func (s *RedisScheduler) EnqueueJob(ctx context.Context, runID string, job *model.JobRun) error {
	entry := newEntry(runID, job)
	return s.insert(ctx, entry)
}

func (s *RedisScheduler) insert(ctx context.Context, entry Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.ZAdd(ctx, keyForPriority(entry.Priority), redis.Z{
		Score:  float64(entry.AvailableAt),
		Member: payload,
	}).Err()
}

// DequeueJob walks high, normal, low and returns the lowest-scoring member
// whose score is within the look-ahead window, removing it atomically so a
// losing racer doesn't also dequeue it. Returns (nil, nil) when nothing is
// ready.
func (s *RedisScheduler) DequeueJob(ctx context.Context) (*Entry, error) {
	horizon := float64(time.Now().Add(s.lookAhead).UnixMilli())

	for _, p := range model.Levels() {
		key := keyForPriority(p)
		members, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", horizon),
			Count: 5,
		}).Result()
		if err != nil {
			return nil, err
		}
		for _, z := range members {
			raw, ok := z.Member.(string)
			if !ok {
				continue
			}
			removed, err := removeScript.Run(ctx, s.client, []string{key}, raw).Int64()
			if err != nil {
				return nil, err
			}
			if removed == 0 {
				continue
			}
			var entry Entry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return nil, err
			}
			return &entry, nil
		}
	}
	return nil, nil
}

// Reschedule re-inserts entry with availableAt = now + delay, preserving
// priority and identity.
func (s *RedisScheduler) Reschedule(ctx context.Context, entry *Entry, delay time.Duration) error {
	updated := *entry
	updated.AvailableAt = time.Now().Add(delay).UnixMilli()
	return s.insert(ctx, updated)
}

// Len reports the number of entries waiting in a priority band, for
// diagnostics and metrics gauges.
func (s *RedisScheduler) Len(ctx context.Context, p model.Priority) (int64, error) {
	return s.client.ZCard(ctx, keyForPriority(p)).Result()
}
