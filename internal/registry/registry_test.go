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

package registry_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/registry"
)

func TestResolveFindsExistingSpecFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deploy-prod.yaml"), []byte("name: deploy-prod\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "build.json"), []byte(`{"name":"build"}`), 0o644))

	r, err := registry.New(registry.Config{Root: dir}, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 2, r.Len())

	path, err := r.Resolve(context.Background(), "deploy-prod")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "deploy-prod.yaml"), path)

	_, err = r.Resolve(context.Background(), "nope")
	require.ErrorIs(t, err, registry.ErrNotFound)
}

func TestRegistryPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.New(registry.Config{Root: dir}, nil)
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, 0, r.Len())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new-flow.yaml"), []byte("name: new-flow\n"), 0o644))

	require.Eventually(t, func() bool {
		_, err := r.Resolve(context.Background(), "new-flow")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}
