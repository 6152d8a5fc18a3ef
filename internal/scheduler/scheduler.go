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

// Package scheduler holds ready-to-run jobs in priority-ordered Redis
// sorted sets and hands them out in priority+time order.
package scheduler

import (
	"time"

	"github.com/google/uuid"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// Entry is an alias for the model's queue-entry shape, kept local to this
// package's call sites for readability.
type Entry = model.QueueEntry

func newEntry(runID string, job *model.JobRun) Entry {
	now := time.Now().UnixMilli()
	return Entry{
		ID:          uuid.NewString(),
		RunID:       runID,
		JobID:       job.ID,
		JobName:     job.Name,
		Priority:    job.Priority,
		EnqueuedAt:  now,
		AvailableAt: now,
	}
}

const defaultLookAhead = time.Second
