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

// Package snapshot captures a run's execution state for diagnostic replay
// and restarts it from a chosen step.
package snapshot

import (
	"context"
	"time"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// Snapshot is a point-in-time capture of a run sufficient to restart it.
type Snapshot struct {
	RunID       string                    `json:"runId"`
	Run         *model.Run                `json:"run"`
	StepOutputs map[string]map[string]any `json:"stepOutputs,omitempty"`
	Env         map[string]string         `json:"env,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	Version     int                       `json:"version"`
}

// Store persists snapshots keyed by run id with a bounded TTL.
type Store interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context, runID string) (*Snapshot, error)
	DeleteSnapshot(ctx context.Context, runID string) error
}

// ErrNotFound is returned when no snapshot exists for a run id.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "snapshot: not found" }

// DefaultTTL is the snapshot's retention window before it expires.
const DefaultTTL = 7 * 24 * time.Hour

const snapshotVersion = 1
