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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
)

func newTestRedisApprovalStore(t *testing.T) *executor.RedisApprovalStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return executor.NewRedisApprovalStore(client)
}

func TestRedisApprovalStoreEnsureThenResolve(t *testing.T) {
	store := newTestRedisApprovalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ensure(ctx, "run-1:approve", time.Hour))
	decision, _, _, found, err := store.Get(ctx, "run-1:approve")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, executor.ApprovalPending, decision)

	require.NoError(t, store.Resolve(ctx, "run-1:approve", executor.ApprovalApproved, "alice"))
	decision, approvedBy, _, found, err := store.Get(ctx, "run-1:approve")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, executor.ApprovalApproved, decision)
	require.Equal(t, "alice", approvedBy)
}

func TestRedisApprovalStoreEnsureIsIdempotent(t *testing.T) {
	store := newTestRedisApprovalStore(t)
	ctx := context.Background()

	require.NoError(t, store.Ensure(ctx, "run-1:approve", time.Hour))
	require.NoError(t, store.Resolve(ctx, "run-1:approve", executor.ApprovalRejected, "bob"))
	require.NoError(t, store.Ensure(ctx, "run-1:approve", time.Hour))

	decision, _, _, _, err := store.Get(ctx, "run-1:approve")
	require.NoError(t, err)
	require.Equal(t, executor.ApprovalRejected, decision)
}
