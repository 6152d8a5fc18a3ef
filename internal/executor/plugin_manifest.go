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
	"fmt"
	"os"
	"sync"

	"github.com/KirillBaranov/kb-labs-workflow/internal/mcp"
)

// PluginManifestEntry names the out-of-process tool server backing a
// plugin ref: just enough to start one via stdio.
type PluginManifestEntry struct {
	Command string
	Args    []string
	Env     []string
}

// ManifestResolver starts (and caches) one MCP client per plugin ref the
// first time it's needed, from a static ref->entry manifest.
type ManifestResolver struct {
	entries map[string]PluginManifestEntry

	mu      sync.Mutex
	clients map[string]*mcp.Client
}

func NewManifestResolver(entries map[string]PluginManifestEntry) *ManifestResolver {
	return &ManifestResolver{entries: entries, clients: map[string]*mcp.Client{}}
}

var _ PluginResolver = (*ManifestResolver)(nil)

func (r *ManifestResolver) Resolve(ctx context.Context, ref string) (*mcp.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[ref]; ok {
		return c, nil
	}
	entry, ok := r.entries[ref]
	if !ok {
		return nil, fmt.Errorf("no plugin manifest entry for %s", ref)
	}
	client, err := mcp.NewClient(ctx, mcp.ClientConfig{ServerName: ref, Command: entry.Command, Args: entry.Args, Env: entry.Env})
	if err != nil {
		return nil, fmt.Errorf("starting plugin %s: %w", ref, err)
	}
	r.clients[ref] = client
	return client, nil
}

// LoadManifestFile reads a JSON object of ref -> PluginManifestEntry from
// path. A missing file is not an error: it's treated as an empty manifest.
func LoadManifestFile(path string) (map[string]PluginManifestEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]PluginManifestEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading plugin manifest: %w", err)
	}
	var entries map[string]PluginManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding plugin manifest: %w", err)
	}
	return entries, nil
}

// Close shuts down every started plugin client.
func (r *ManifestResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
}
