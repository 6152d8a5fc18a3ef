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

// Package executor dispatches a single step to the implementation named
// by its `uses` prefix (builtin:shell, builtin:approval, plugin:<ref>,
// workflow:<id>) and reports a uniform outcome back to the job runner.
package executor

import (
	"context"
	"strings"
)

// ResultKind is what a step executor reports.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultFailed    ResultKind = "failed"
	ResultCancelled ResultKind = "cancelled"
)

// Result is a step executor's outcome.
type Result struct {
	Kind      ResultKind
	Outputs   map[string]any
	ErrorMsg  string
	ErrorCode string
}

// Request is everything an executor needs to run one step.
type Request struct {
	RunID     string
	JobID     string
	StepID    string
	UserID    string
	Uses      string
	With      map[string]any
	Env       map[string]string
	Secrets   []string
	Workspace string
}

// Executor runs one step's `uses` target to completion or cancellation.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry resolves a `uses` prefix to the Executor that handles it.
type Registry struct {
	shell    Executor
	approval Executor
	plugin   Executor
	workflow Executor
}

// NewRegistry wires the four executor kinds named by the `uses` prefixes
// builtin:shell, builtin:approval, plugin:<ref> and workflow:<id>. Any
// may be nil, in which case dispatching to it fails with UnsupportedUses.
func NewRegistry(shell, approval, plugin, workflow Executor) *Registry {
	return &Registry{shell: shell, approval: approval, plugin: plugin, workflow: workflow}
}

// Dispatch resolves req.Uses and runs it.
func (r *Registry) Dispatch(ctx context.Context, req Request) (Result, error) {
	switch {
	case req.Uses == "builtin:shell":
		return r.run(ctx, r.shell, req)
	case req.Uses == "builtin:approval":
		return r.run(ctx, r.approval, req)
	case strings.HasPrefix(req.Uses, "plugin:"):
		return r.run(ctx, r.plugin, req)
	case strings.HasPrefix(req.Uses, "workflow:"):
		return r.run(ctx, r.workflow, req)
	default:
		return Result{Kind: ResultFailed, ErrorMsg: "unsupported uses: " + req.Uses, ErrorCode: "UNSUPPORTED_USES"}, nil
	}
}

func (r *Registry) run(ctx context.Context, e Executor, req Request) (Result, error) {
	if e == nil {
		return Result{Kind: ResultFailed, ErrorMsg: "no executor registered for " + req.Uses, ErrorCode: "UNSUPPORTED_USES"}, nil
	}
	return e.Execute(ctx, req)
}
