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

package artifact

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
)

// jsonMergeQuery folds a list of JSON documents into one object with gojq's
// deep-merge operator, later sources overriding earlier ones.
var jsonMergeQuery = mustParse("reduce .[] as $item ({}; . * $item)")

func mustParse(expr string) *gojq.Code {
	query, err := gojq.Parse(expr)
	if err != nil {
		panic(err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		panic(err)
	}
	return code
}

// Merge combines sources according to strategy and returns the bytes to
// write at the merge config's target path.
func Merge(strategy model.ArtifactMergeStrategy, sources [][]byte) ([]byte, error) {
	switch strategy {
	case model.MergeOverwrite:
		if len(sources) == 0 {
			return nil, nil
		}
		return sources[len(sources)-1], nil
	case model.MergeAppend, "":
		out := make([]byte, 0)
		for i, s := range sources {
			if i > 0 {
				out = append(out, '\n')
			}
			out = append(out, s...)
		}
		return out, nil
	case model.MergeJSONMerge:
		return jsonMerge(sources)
	default:
		return nil, fmt.Errorf("unknown artifact merge strategy %q", strategy)
	}
}

// ApplyMergeConfig reads cfg.Sources from client, merges them per
// cfg.Strategy, and writes the result to cfg.Target.
func ApplyMergeConfig(client Client, cfg *model.ArtifactMergeConfig) error {
	if cfg == nil || cfg.Target == "" {
		return nil
	}
	sources := make([][]byte, 0, len(cfg.Sources))
	for _, path := range cfg.Sources {
		data, err := client.Consume(path)
		if err != nil {
			return fmt.Errorf("reading merge source %q: %w", path, err)
		}
		sources = append(sources, data)
	}
	merged, err := Merge(cfg.Strategy, sources)
	if err != nil {
		return err
	}
	return client.Produce(cfg.Target, merged)
}

func jsonMerge(sources [][]byte) ([]byte, error) {
	docs := make([]any, 0, len(sources))
	for _, s := range sources {
		var doc any
		if err := json.Unmarshal(s, &doc); err != nil {
			return nil, fmt.Errorf("decoding json-merge source: %w", err)
		}
		docs = append(docs, doc)
	}

	iter := jsonMergeQuery.Run(docs)
	v, ok := iter.Next()
	if !ok {
		return json.Marshal(map[string]any{})
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("json-merge: %w", err)
	}
	return json.Marshal(v)
}
