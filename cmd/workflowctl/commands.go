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

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/registry"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func newRunCommand() *cobra.Command {
	var idempotencyKey, concurrencyGroup string

	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Submit a workflow spec file as a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := registry.LoadSpecFile(args[0])
			if err != nil {
				return err
			}

			body, err := json.Marshal(map[string]any{
				"spec":             spec,
				"idempotencyKey":   idempotencyKey,
				"concurrencyGroup": concurrencyGroup,
			})
			if err != nil {
				return err
			}

			resp, err := httpClient.Post(serverAddr()+"/runs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode >= 300 {
				return fmt.Errorf("createRun failed: %s", readBody(resp))
			}

			var run model.Run
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				return err
			}
			fmt.Printf("run %s queued (%s)\n", run.ID, renderStatus(string(run.Status)))
			return nil
		},
	}
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for deduplicating submissions")
	cmd.Flags().StringVar(&concurrencyGroup, "concurrency-group", "", "concurrency group to admit under")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <runId>",
		Short: "Show a run's job/step tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Get(serverAddr() + "/runs/" + args[0])
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("getRun failed: %s", readBody(resp))
			}

			var run model.Run
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				return err
			}
			printRunTree(&run)
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <runId>",
		Short: "Cancel a run and its non-terminal jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Post(serverAddr()+"/runs/"+args[0]+"/cancel", "application/json", nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("cancelRun failed: %s", readBody(resp))
			}
			fmt.Printf("run %s cancelled\n", args[0])
			return nil
		},
	}
}

func newReplayCommand() *cobra.Command {
	var fromStep string

	cmd := &cobra.Command{
		Use:   "replay <runId>",
		Short: "Restore a run from its last snapshot and re-enqueue it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]any{"fromStepId": fromStep})
			if err != nil {
				return err
			}
			resp, err := httpClient.Post(serverAddr()+"/runs/"+args[0]+"/replay", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("replayRun failed: %s", readBody(resp))
			}

			var run model.Run
			if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
				return err
			}
			printRunTree(&run)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromStep, "from-step", "", "step id to resume from (defaults to replaying the whole run)")
	return cmd
}

func printRunTree(run *model.Run) {
	fmt.Printf("%s  %s\n", header.Render(run.Name), renderStatus(string(run.Status)))
	for _, job := range run.Jobs {
		fmt.Printf("  %s  %s\n", job.Name, renderStatus(string(job.Status)))
		for _, step := range job.Steps {
			label := step.UserID
			if label == "" {
				label = step.Spec.Uses
			}
			fmt.Printf("    %s  %s\n", muted.Render(label), renderStatus(string(step.Status)))
		}
	}
}

func readBody(resp *http.Response) string {
	data, _ := io.ReadAll(resp.Body)
	return string(data)
}
