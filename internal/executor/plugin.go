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
	"strings"

	"github.com/KirillBaranov/kb-labs-workflow/internal/mcp"
)

// PluginResolver hands back an already-connected MCP client for a plugin
// reference. Spawning/sandboxing the plugin process from its manifest is
// an external collaborator's job (spec §1); this executor only calls the
// tool once connected.
type PluginResolver interface {
	Resolve(ctx context.Context, ref string) (*mcp.Client, error)
}

// PluginExecutor runs `plugin:<ref>` steps by invoking a single MCP tool
// call named after the ref and returning its content as step outputs.
type PluginExecutor struct {
	Resolver PluginResolver
}

var _ Executor = (*PluginExecutor)(nil)

func (e *PluginExecutor) Execute(ctx context.Context, req Request) (Result, error) {
	ref := strings.TrimPrefix(req.Uses, "plugin:")
	if ref == "" || e.Resolver == nil {
		return Result{Kind: ResultFailed, ErrorMsg: "plugin reference is required", ErrorCode: "PLUGIN_NOT_FOUND"}, nil
	}

	client, err := e.Resolver.Resolve(ctx, ref)
	if err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "PLUGIN_NOT_FOUND"}, nil
	}

	resp, err := client.CallTool(ctx, mcp.ToolCallRequest{Name: ref, Arguments: req.With})
	if err != nil {
		return Result{Kind: ResultFailed, ErrorMsg: err.Error(), ErrorCode: "PLUGIN_CALL_ERROR"}, nil
	}

	outputs := map[string]any{}
	var text strings.Builder
	for _, item := range resp.Content {
		if item.Text != "" {
			text.WriteString(item.Text)
		}
	}
	if text.Len() > 0 {
		outputs["text"] = text.String()
	}

	if resp.IsError {
		return Result{Kind: ResultFailed, ErrorMsg: "plugin tool reported an error", ErrorCode: "PLUGIN_TOOL_ERROR", Outputs: outputs}, nil
	}
	return Result{Kind: ResultSuccess, Outputs: outputs}, nil
}
