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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ShellExecutor runs `builtin:shell` steps: with.command|run|script may be
// a string (run via "sh -c") or an array of argv tokens.
type ShellExecutor struct {
	WorkingDir string
}

var _ Executor = (*ShellExecutor)(nil)

func (e *ShellExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	raw := firstNonNil(req.With, "command", "run", "script")
	if raw == nil {
		return Result{Kind: ResultFailed, ErrorMsg: "command is required", ErrorCode: "STEP_EXECUTION_FAILED"}, nil
	}

	var cmd *exec.Cmd
	switch v := raw.(type) {
	case string:
		cmd = exec.CommandContext(ctx, "sh", "-c", v)
	case []interface{}:
		args := make([]string, len(v))
		for i, a := range v {
			args[i] = fmt.Sprintf("%v", a)
		}
		if len(args) == 0 {
			return Result{Kind: ResultFailed, ErrorMsg: "command array is empty", ErrorCode: "STEP_EXECUTION_FAILED"}, nil
		}
		cmd = exec.CommandContext(ctx, args[0], args[1:]...)
	case []string:
		if len(v) == 0 {
			return Result{Kind: ResultFailed, ErrorMsg: "command array is empty", ErrorCode: "STEP_EXECUTION_FAILED"}, nil
		}
		cmd = exec.CommandContext(ctx, v[0], v[1:]...)
	default:
		return Result{Kind: ResultFailed, ErrorMsg: fmt.Sprintf("command must be string or array, got %T", raw), ErrorCode: "STEP_EXECUTION_FAILED"}, nil
	}

	dir := e.WorkingDir
	if req.Workspace != "" {
		dir = req.Workspace
	}
	if v, ok := req.With["dir"].(string); ok && v != "" {
		dir = v
	}
	cmd.Dir = dir

	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	outputs := map[string]any{
		"stdout": strings.TrimSpace(stdout.String()),
		"stderr": strings.TrimSpace(stderr.String()),
	}

	if err != nil {
		if ctx.Err() != nil {
			return Result{Kind: ResultCancelled, ErrorMsg: ctx.Err().Error(), Outputs: outputs}, nil
		}
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		outputs["exitCode"] = exitCode
		return Result{
			Kind:      ResultFailed,
			Outputs:   outputs,
			ErrorMsg:  fmt.Sprintf("command failed with exit code %d", exitCode),
			ErrorCode: "STEP_EXECUTION_FAILED",
		}, nil
	}

	outputs["exitCode"] = 0
	return Result{Kind: ResultSuccess, Outputs: outputs}, nil
}

func firstNonNil(with map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := with[k]; ok {
			return v
		}
	}
	return nil
}
