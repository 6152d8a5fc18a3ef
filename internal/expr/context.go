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

// Package expr evaluates the small `${{ ... }}` boolean/comparison
// grammar used by step conditionals and parameter interpolation.
package expr

// StepOutputs is one referenced step's outputs, keyed by its user id.
type StepOutputs struct {
	Outputs map[string]any
}

// Context is the resolution environment for a path expression: run env,
// job env merged on top, the trigger that started the run, the outputs
// of steps preceding the current one, and an optional matrix binding.
type Context struct {
	Env     map[string]string
	Trigger TriggerContext
	Steps   map[string]StepOutputs
	Matrix  map[string]any
}

// TriggerContext is the subset of a Trigger exposed to expressions.
type TriggerContext struct {
	Type    string
	Actor   string
	Payload map[string]any
}
