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

// Package model holds the run/job/step data model shared by every
// engine component: coordinator, store, scheduler, worker and runner.
package model

import (
	"strconv"
	"time"
)

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status represents a finished run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// JobStatus is the lifecycle status of a JobRun.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobSkipped   JobStatus = "skipped"
)

// Terminal reports whether the status represents a finished job.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled, JobSkipped:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle status of a StepRun.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// Priority is a scheduling priority band.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Levels lists the priority bands in dispatch order.
func Levels() []Priority { return []Priority{PriorityHigh, PriorityNormal, PriorityLow} }

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffExponential BackoffKind = "exp"
	BackoffLinear      BackoffKind = "lin"
)

// TriggerKind describes what caused a run to be created.
type TriggerKind string

const (
	TriggerManual   TriggerKind = "manual"
	TriggerWebhook  TriggerKind = "webhook"
	TriggerPush     TriggerKind = "push"
	TriggerSchedule TriggerKind = "schedule"
	TriggerWorkflow TriggerKind = "workflow"
)

// Trigger describes the cause of a run.
type Trigger struct {
	Kind    TriggerKind    `json:"kind"`
	Actor   string         `json:"actor,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`

	// ParentRunID/ParentJobID/ParentStepID link a sub-workflow run to the
	// step that spawned it. Empty for top-level runs.
	ParentRunID  string `json:"parentRunId,omitempty"`
	ParentJobID  string `json:"parentJobId,omitempty"`
	ParentStepID string `json:"parentStepId,omitempty"`
}

// RetryPolicy controls how many times, and with what backoff, a failed job
// is retried before being finalized as failed.
type RetryPolicy struct {
	Max             int         `json:"max"`
	Backoff         BackoffKind `json:"backoff"`
	InitialInterval time.Duration `json:"initialInterval"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty"`
}

// NextDelay computes the backoff delay before retrying the given attempt
// number (0-indexed, the attempt that just failed).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	var d time.Duration
	switch p.Backoff {
	case BackoffLinear:
		d = p.InitialInterval * time.Duration(attempt+1)
	default:
		d = p.InitialInterval * time.Duration(1<<uint(attempt))
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}

// ArtifactMergeStrategy selects how declared artifacts from multiple
// sources are combined before being produced.
type ArtifactMergeStrategy string

const (
	MergeAppend    ArtifactMergeStrategy = "append"
	MergeOverwrite ArtifactMergeStrategy = "overwrite"
	MergeJSONMerge ArtifactMergeStrategy = "json-merge"
)

// ArtifactSpec declares a job's artifact produce/consume/merge behavior.
type ArtifactSpec struct {
	Produce []string               `json:"produce,omitempty"`
	Consume []string               `json:"consume,omitempty"`
	Merge   *ArtifactMergeConfig   `json:"merge,omitempty"`
}

// ArtifactMergeConfig configures the merge of artifacts from multiple jobs
// into a single produced artifact.
type ArtifactMergeConfig struct {
	Strategy ArtifactMergeStrategy `json:"strategy"`
	Sources  []string              `json:"sources"`
	Target   string                `json:"target"`
}

// Hooks are auxiliary step sequences attached to a job's lifecycle phases.
type Hooks struct {
	Pre       []StepSpec `json:"pre,omitempty"`
	Post      []StepSpec `json:"post,omitempty"`
	OnSuccess []StepSpec `json:"onSuccess,omitempty"`
	OnFailure []StepSpec `json:"onFailure,omitempty"`
}

// StepSpec is the declarative form of a step, embedded in a StepRun.
type StepSpec struct {
	ID              string            `json:"id,omitempty"`
	Uses            string            `json:"uses"`
	With            map[string]any    `json:"with,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Secrets         []string          `json:"secrets,omitempty"`
	If              string            `json:"if,omitempty"`
	TimeoutMs       int64             `json:"timeoutMs,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
}

// ErrorDetail is the structured error shape carried by jobs and steps.
type ErrorDetail struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// StepRun is one execution record for a step in a job.
type StepRun struct {
	ID     string `json:"id"`
	UserID string `json:"userId,omitempty"`
	JobID  string `json:"jobId"`
	Index  int    `json:"index"`

	Spec StepSpec `json:"spec"`

	Status          StepStatus     `json:"status"`
	Attempt         int            `json:"attempt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	DurationMs      int64          `json:"durationMs,omitempty"`
	TimeoutMs       int64          `json:"timeoutMs,omitempty"`
	ContinueOnError bool           `json:"continueOnError,omitempty"`
	SkipReason      string         `json:"skipReason,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	Error           *ErrorDetail   `json:"error,omitempty"`
}

// JobRun is one execution record for a job in a run.
type JobRun struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	Status JobStatus `json:"status"`
	Target string    `json:"target"` // "local" | "sandbox"

	Retry     RetryPolicy `json:"retry"`
	TimeoutMs int64       `json:"timeoutMs,omitempty"`
	Priority  Priority    `json:"priority"`

	ConcurrencyGroup string `json:"concurrencyGroup,omitempty"`
	Attempt          int    `json:"attempt"`

	Needs               []string `json:"needs,omitempty"`
	PendingDependencies []string `json:"pendingDependencies,omitempty"`
	Blocked             bool     `json:"blocked"`

	Artifacts ArtifactSpec `json:"artifacts"`
	Hooks     Hooks        `json:"hooks"`
	Steps     []*StepRun   `json:"steps"`

	Env map[string]string `json:"env,omitempty"`

	StartedAt  *time.Time   `json:"startedAt,omitempty"`
	FinishedAt *time.Time   `json:"finishedAt,omitempty"`
	DurationMs int64        `json:"durationMs,omitempty"`
	Error      *ErrorDetail `json:"error,omitempty"`
}

// ExecutionResult is the terminal summary attached to a finished Run.
type ExecutionResult struct {
	Status  RunStatus    `json:"status"`
	Metrics Metrics      `json:"metrics"`
	Error   *ErrorDetail `json:"error,omitempty"`
	Summary string       `json:"summary,omitempty"`
}

// Metrics aggregates job/step counts for an ExecutionResult.
type Metrics struct {
	JobsTotal       int   `json:"jobsTotal"`
	JobsSucceeded   int   `json:"jobsSucceeded"`
	JobsFailed      int   `json:"jobsFailed"`
	JobsCancelled   int   `json:"jobsCancelled"`
	StepsTotal      int   `json:"stepsTotal"`
	StepsFailed     int   `json:"stepsFailed"`
	StepsCancelled  int   `json:"stepsCancelled"`
	TimeMs          int64 `json:"timeMs"`
}

// RunMetadata carries the dedup/admission/nesting metadata for a Run.
type RunMetadata struct {
	IdempotencyKey   string `json:"idempotencyKey,omitempty"`
	ConcurrencyGroup string `json:"concurrencyGroup,omitempty"`
	WorkflowID       string `json:"workflowId"`
	WorkflowDepth    int    `json:"workflowDepth"`
}

// Run is a materialised execution of a workflow spec.
type Run struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`

	Status RunStatus `json:"status"`

	CreatedAt  time.Time  `json:"createdAt"`
	QueuedAt   *time.Time `json:"queuedAt,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	DurationMs int64      `json:"durationMs,omitempty"`

	Trigger  Trigger     `json:"trigger"`
	Metadata RunMetadata `json:"metadata"`

	Env map[string]string `json:"env,omitempty"`

	Jobs      []*JobRun        `json:"jobs"`
	Artifacts []string         `json:"artifacts,omitempty"`
	Result    *ExecutionResult `json:"result,omitempty"`
}

// JobByName returns the job with the given name, or nil.
func (r *Run) JobByName(name string) *JobRun {
	for _, j := range r.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// JobByID returns the job with the given id, or nil.
func (r *Run) JobByID(id string) *JobRun {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// AllTerminal reports whether every job in the run has reached a terminal
// status.
func (r *Run) AllTerminal() bool {
	for _, j := range r.Jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	return true
}

// QueueEntry is the serialized pointer stored in the scheduler's ready
// queue; it never carries the full job/run payload.
type QueueEntry struct {
	ID          string   `json:"id"`
	RunID       string   `json:"runId"`
	JobID       string   `json:"jobId"`
	JobName     string   `json:"jobName"`
	Priority    Priority `json:"priority"`
	EnqueuedAt  int64    `json:"enqueuedAt"`  // epoch ms
	AvailableAt int64    `json:"availableAt"` // epoch ms, sort score
}

// JobID builds the canonical `<runId>:<jobName>` job identity.
func JobID(runID, jobName string) string { return runID + ":" + jobName }

// StepID builds the canonical `<jobId>:<index>` step identity.
func StepID(jobID string, index int) string {
	return jobID + ":" + strconv.Itoa(index)
}
