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

// Package registry resolves a `workflow:<id>` reference to a loadable spec
// file under a workspace root, keeping its id->path index current via a
// filesystem watch. LoadSpecFile (loader.go) decodes a resolved file into
// a coordinator.WorkflowSpec; Registry itself only owns discovery.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned by Resolve when no file under the workspace
// root matches the requested id.
var ErrNotFound = fmt.Errorf("registry: workflow not found")

// Registry indexes workflow spec files found under Root by id, where id
// is the file's base name without extension (e.g. "deploy-prod.yaml" ->
// "deploy-prod"). The index is rebuilt on every matching fsnotify event
// under Root, so a newly added or edited spec file becomes resolvable
// without a restart.
type Registry struct {
	root    string
	pattern string
	logger  *slog.Logger

	mu    sync.RWMutex
	index map[string]string // id -> absolute path

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config selects the workspace root and the glob pattern (relative to
// root, doublestar syntax) used to discover workflow spec files.
type Config struct {
	Root    string
	Pattern string // default "**/*.{yaml,yml,json}"
}

// New builds a Registry, performs an initial glob-based index build, and
// starts watching Root for changes. Call Close to stop the watch.
func New(cfg Config, logger *slog.Logger) (*Registry, error) {
	if cfg.Pattern == "" {
		cfg.Pattern = "**/*.{yaml,yml,json}"
	}
	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: creating watcher: %w", err)
	}

	r := &Registry{
		root:    cfg.Root,
		pattern: cfg.Pattern,
		logger:  logger.With(slog.String("component", "registry")),
		index:   make(map[string]string),
		watcher: fsw,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	if err := r.rebuild(); err != nil {
		fsw.Close()
		return nil, err
	}
	if err := r.watchTree(); err != nil {
		fsw.Close()
		return nil, err
	}

	go r.loop()
	return r, nil
}

// Resolve returns the absolute path of the spec file registered under id.
func (r *Registry) Resolve(ctx context.Context, id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	path, ok := r.index[id]
	if !ok {
		return "", ErrNotFound
	}
	return path, nil
}

// Len reports how many workflow ids are currently indexed.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

func (r *Registry) rebuild() error {
	full := filepath.Join(r.root, r.pattern)
	matches, err := doublestar.FilepathGlob(full)
	if err != nil {
		return fmt.Errorf("registry: globbing %s: %w", full, err)
	}

	next := make(map[string]string, len(matches))
	for _, m := range matches {
		id := idFromPath(m)
		next[id] = m
	}

	r.mu.Lock()
	r.index = next
	r.mu.Unlock()
	r.logger.Debug("registry index rebuilt", slog.Int("count", len(next)))
	return nil
}

func idFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// watchTree adds every existing directory under root to the fsnotify
// watcher; fsnotify is not recursive on its own.
func (r *Registry) watchTree() error {
	return filepath.WalkDir(r.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return r.watcher.Add(path)
		}
		return nil
	})
}

func (r *Registry) loop() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if err := r.rebuild(); err != nil {
				r.logger.Error("registry rebuild failed", slog.Any("error", err))
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := r.watcher.Add(event.Name); err != nil {
						r.logger.Warn("registry watch add failed", slog.String("path", event.Name), slog.Any("error", err))
					}
				}
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("registry watcher error", slog.Any("error", err))
		}
	}
}

// Close stops the filesystem watch.
func (r *Registry) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return r.watcher.Close()
}
