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
	"fmt"
	"time"
)

// ApprovalDecision is the terminal state of a pending approval record.
type ApprovalDecision string

const (
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ApprovalStore holds pending approval records keyed by "<runId>:<stepId>".
type ApprovalStore interface {
	Get(ctx context.Context, key string) (decision ApprovalDecision, approvedBy string, approvedAt time.Time, found bool, err error)
	Ensure(ctx context.Context, key string, ttl time.Duration) error
}

// ApprovalExecutor runs `builtin:approval` steps: create a pending record
// and poll it until a decision, TTL expiry, or cancellation.
type ApprovalExecutor struct {
	Store        ApprovalStore
	PollInterval time.Duration
	DefaultTTL   time.Duration
}

var _ Executor = (*ApprovalExecutor)(nil)

func (e *ApprovalExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	key := fmt.Sprintf("%s:%s", req.RunID, req.StepID)
	ttl := e.DefaultTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if err := e.Store.Ensure(ctx, key, ttl); err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "STEP_EXECUTION_FAILED"}, nil
	}

	interval := e.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.Now().Add(ttl)

	for {
		decision, approvedBy, approvedAt, found, err := e.Store.Get(ctx, key)
		if err != nil {
			return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "STEP_EXECUTION_FAILED"}, nil
		}
		if found {
			switch decision {
			case ApprovalApproved:
				return Result{Kind: ResultSuccess, Outputs: map[string]any{
					"approvedBy": approvedBy,
					"approvedAt": approvedAt,
				}}, nil
			case ApprovalRejected:
				return Result{Kind: ResultFailed, ErrorMsg: "approval rejected", ErrorCode: "APPROVAL_REJECTED"}, nil
			}
		}
		if time.Now().After(deadline) {
			return Result{Kind: ResultFailed, ErrorMsg: "approval timed out", ErrorCode: "APPROVAL_TIMEOUT"}, nil
		}

		select {
		case <-ctx.Done():
			return Result{Kind: ResultCancelled, ErrorMsg: ctx.Err().Error()}, nil
		case <-ticker.C:
		}
	}
}
