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

package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// specDoc is the on-disk YAML/JSON shape of a workflow definition. JSON
// files decode through the same path since JSON is a YAML subset.
type specDoc struct {
	ID      string   `yaml:"id"`
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Jobs    []jobDoc `yaml:"jobs"`
}

type jobDoc struct {
	Name             string            `yaml:"name"`
	Needs            []string          `yaml:"needs"`
	Target           string            `yaml:"target"`
	Retry            retryDoc          `yaml:"retry"`
	TimeoutMs        int64             `yaml:"timeoutMs"`
	Priority         string            `yaml:"priority"`
	ConcurrencyGroup string            `yaml:"concurrencyGroup"`
	Artifacts        artifactsDoc      `yaml:"artifacts"`
	Hooks            hooksDoc          `yaml:"hooks"`
	Steps            []stepDoc         `yaml:"steps"`
	Env              map[string]string `yaml:"env"`
}

type retryDoc struct {
	Max             int    `yaml:"max"`
	Backoff         string `yaml:"backoff"`
	InitialInterval string `yaml:"initialInterval"`
	MaxInterval     string `yaml:"maxInterval"`
}

type artifactsDoc struct {
	Produce []string `yaml:"produce"`
	Consume []string `yaml:"consume"`
}

type hooksDoc struct {
	Pre       []stepDoc `yaml:"pre"`
	Post      []stepDoc `yaml:"post"`
	OnSuccess []stepDoc `yaml:"onSuccess"`
	OnFailure []stepDoc `yaml:"onFailure"`
}

type stepDoc struct {
	ID              string            `yaml:"id"`
	Uses            string            `yaml:"uses"`
	With            map[string]any    `yaml:"with"`
	Env             map[string]string `yaml:"env"`
	Secrets         []string          `yaml:"secrets"`
	If              string            `yaml:"if"`
	TimeoutMs       int64             `yaml:"timeoutMs"`
	ContinueOnError bool              `yaml:"continueOnError"`
}

// LoadSpecFile decodes a workflow spec file at path into a
// coordinator.WorkflowSpec. Satisfies executor.WorkflowLoader.
func LoadSpecFile(path string) (*coordinator.WorkflowSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	var doc specDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("registry: decoding %s: %w", path, err)
	}
	if doc.ID == "" {
		doc.ID = idFromPath(path)
	}

	jobs := make([]coordinator.JobSpec, 0, len(doc.Jobs))
	for _, j := range doc.Jobs {
		jobs = append(jobs, coordinator.JobSpec{
			Name:             j.Name,
			Needs:            j.Needs,
			Target:           j.Target,
			Retry:            j.Retry.toModel(),
			TimeoutMs:        j.TimeoutMs,
			Priority:         model.Priority(j.Priority),
			ConcurrencyGroup: j.ConcurrencyGroup,
			Artifacts:        j.Artifacts.toModel(),
			Hooks:            j.Hooks.toModel(),
			Steps:            stepsToModel(j.Steps),
			Env:              j.Env,
		})
	}

	return &coordinator.WorkflowSpec{
		ID:      doc.ID,
		Name:    doc.Name,
		Version: doc.Version,
		Jobs:    jobs,
	}, nil
}

func (r retryDoc) toModel() model.RetryPolicy {
	initial, _ := time.ParseDuration(r.InitialInterval)
	max, _ := time.ParseDuration(r.MaxInterval)
	backoff := model.BackoffExponential
	if r.Backoff == string(model.BackoffLinear) {
		backoff = model.BackoffLinear
	}
	return model.RetryPolicy{Max: r.Max, Backoff: backoff, InitialInterval: initial, MaxInterval: max}
}

func (a artifactsDoc) toModel() model.ArtifactSpec {
	return model.ArtifactSpec{Produce: a.Produce, Consume: a.Consume}
}

func (h hooksDoc) toModel() model.Hooks {
	return model.Hooks{
		Pre:       stepsToModel(h.Pre),
		Post:      stepsToModel(h.Post),
		OnSuccess: stepsToModel(h.OnSuccess),
		OnFailure: stepsToModel(h.OnFailure),
	}
}

func stepsToModel(docs []stepDoc) []model.StepSpec {
	out := make([]model.StepSpec, 0, len(docs))
	for _, s := range docs {
		out = append(out, model.StepSpec{
			ID:              s.ID,
			Uses:            s.Uses,
			With:            s.With,
			Env:             s.Env,
			Secrets:         s.Secrets,
			If:              s.If,
			TimeoutMs:       s.TimeoutMs,
			ContinueOnError: s.ContinueOnError,
		})
	}
	return out
}
