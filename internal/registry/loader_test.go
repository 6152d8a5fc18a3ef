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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/registry"
)

const sampleSpec = `
name: deploy-prod
version: "1"
jobs:
  - name: build
    retry:
      max: 2
      backoff: exp
      initialInterval: 500ms
    steps:
      - uses: builtin:shell
        with:
          command: make build
  - name: deploy
    needs: [build]
    steps:
      - uses: builtin:shell
        with:
          command: make deploy
`

func TestLoadSpecFileDecodesJobsAndSteps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy-prod.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleSpec), 0o644))

	spec, err := registry.LoadSpecFile(path)
	require.NoError(t, err)
	require.Equal(t, "deploy-prod", spec.Name)
	require.Len(t, spec.Jobs, 2)

	build := spec.Jobs[0]
	require.Equal(t, "build", build.Name)
	require.Equal(t, 2, build.Retry.Max)
	require.Equal(t, 500*time.Millisecond, build.Retry.InitialInterval)
	require.Equal(t, model.BackoffExponential, build.Retry.Backoff)
	require.Len(t, build.Steps, 1)
	require.Equal(t, "builtin:shell", build.Steps[0].Uses)

	deploy := spec.Jobs[1]
	require.Equal(t, []string{"build"}, deploy.Needs)
}

func TestLoadSpecFileDefaultsIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nightly-sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: nightly sync\njobs: []\n"), 0o644))

	spec, err := registry.LoadSpecFile(path)
	require.NoError(t, err)
	require.Equal(t, "nightly-sync", spec.ID)
}
