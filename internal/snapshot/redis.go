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
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keySnapshotPrefix = "workflow:snapshot:"

// Compile-time interface assertion.
var _ Store = (*RedisStore)(nil)

// RedisStore is the Redis-backed snapshot Store, keyed
// workflow:snapshot:<runId> per the persistence-keys table, with a plain
// SET-with-TTL (snapshots have no concurrent-writer contention to guard
// against, unlike the run document).
type RedisStore struct {
	client *redis.Client
	ttl    int64 // seconds
}

// NewRedisStore wraps an existing client. ttlSeconds defaults to
// DefaultTTL when zero or negative.
func NewRedisStore(client *redis.Client, ttlSeconds int64) *RedisStore {
	if ttlSeconds <= 0 {
		ttlSeconds = int64(DefaultTTL.Seconds())
	}
	return &RedisStore{client: client, ttl: ttlSeconds}
}

func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keySnapshotPrefix+snap.RunID, payload, time.Duration(s.ttl)*time.Second).Err()
}

func (s *RedisStore) LoadSnapshot(ctx context.Context, runID string) (*Snapshot, error) {
	payload, err := s.client.Get(ctx, keySnapshotPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *RedisStore) DeleteSnapshot(ctx context.Context, runID string) error {
	return s.client.Del(ctx, keySnapshotPrefix+runID).Err()
}
