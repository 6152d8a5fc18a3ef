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
	"sync"
	"time"
)

// Compile-time interface assertion, in the teacher's style.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory snapshot Store, mirroring store.MemoryStore's
// map-plus-mutex-plus-TTL shape for tests that don't need a real or fake
// Redis.
type MemoryStore struct {
	mu    sync.RWMutex
	byRun map[string]entry
	ttl   time.Duration
}

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory snapshot store with the given TTL
// (DefaultTTL if zero or negative).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{byRun: make(map[string]entry), ttl: ttl}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byRun[snap.RunID] = entry{payload: payload, expiresAt: time.Now().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	e, ok := s.byRun[runID]
	s.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal(e.payload, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) DeleteSnapshot(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byRun, runID)
	return nil
}
