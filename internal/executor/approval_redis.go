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

package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisApprovalStore persists pending approval records as a JSON blob per
// key, with the record's own TTL used as the key's expiry.
type RedisApprovalStore struct {
	client *redis.Client
	prefix string
}

func NewRedisApprovalStore(client *redis.Client) *RedisApprovalStore {
	return &RedisApprovalStore{client: client, prefix: "kb:approval:"}
}

type approvalRecord struct {
	Decision   ApprovalDecision `json:"decision"`
	ApprovedBy string           `json:"approvedBy,omitempty"`
	ApprovedAt time.Time        `json:"approvedAt,omitempty"`
}

var _ ApprovalStore = (*RedisApprovalStore)(nil)

func (s *RedisApprovalStore) key(key string) string { return s.prefix + key }

// Ensure creates the pending record if it doesn't already exist.
func (s *RedisApprovalStore) Ensure(ctx context.Context, key string, ttl time.Duration) error {
	rec := approvalRecord{Decision: ApprovalPending}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.SetNX(ctx, s.key(key), data, ttl).Err()
}

// Get reads the current decision for key.
func (s *RedisApprovalStore) Get(ctx context.Context, key string) (ApprovalDecision, string, time.Time, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return "", "", time.Time{}, false, nil
	}
	if err != nil {
		return "", "", time.Time{}, false, err
	}
	var rec approvalRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", "", time.Time{}, false, err
	}
	return rec.Decision, rec.ApprovedBy, rec.ApprovedAt, true, nil
}

// Resolve records an operator's decision against a pending approval. It
// is not part of the ApprovalStore interface and the executor never
// calls it; no command or HTTP endpoint in this module calls it either.
func (s *RedisApprovalStore) Resolve(ctx context.Context, key string, decision ApprovalDecision, approvedBy string) error {
	rec := approvalRecord{Decision: decision, ApprovedBy: approvedBy, ApprovedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl, err := s.client.TTL(ctx, s.key(key)).Result()
	if err != nil || ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.client.Set(ctx, s.key(key), data, ttl).Err()
}
