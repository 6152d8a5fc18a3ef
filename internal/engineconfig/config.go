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

// Package engineconfig is the environment-first configuration for the
// long-running engine processes (workflow-coordinator, workflow-worker):
// Redis connection, coordinator admission TTLs, worker leasing/polling,
// the workflow registry root, and the event bridge tuning. workflowctl
// does not use this package; it reads its own flags and optional config
// file with viper.
package engineconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named across spec §6 for the coordinator
// and worker processes.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IdempotencyTTL time.Duration
	ConcurrencyTTL time.Duration

	WorkerID          string
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrentJobs int

	MaxWorkflowDepth    int
	WorkflowRegistryDir string

	ArtifactsRoot      string
	PluginManifestPath string

	EventStreamTTL      time.Duration
	EventMaxBatchSize   int
	EventsPerSecond     int
	SchedulerLookAhead  time.Duration
	HTTPAddr            string

	SnapshotTTL time.Duration
}

// DefaultConfig returns the documented defaults for every field.
func DefaultConfig() Config {
	return Config{
		RedisAddr:           "localhost:6379",
		RedisDB:             0,
		IdempotencyTTL:      24 * time.Hour,
		ConcurrencyTTL:      30 * time.Minute,
		PollInterval:        time.Second,
		LeaseTTL:            15 * time.Second,
		HeartbeatInterval:   5 * time.Second,
		MaxConcurrentJobs:   1,
		MaxWorkflowDepth:    2,
		WorkflowRegistryDir: "./workflows",
		ArtifactsRoot:       "./artifacts",
		EventStreamTTL:      14 * 24 * time.Hour,
		EventMaxBatchSize:   100,
		EventsPerSecond:     1000,
		SchedulerLookAhead:  time.Second,
		HTTPAddr:            ":8088",
		SnapshotTTL:         7 * 24 * time.Hour,
	}
}

// FromEnv layers KB_WORKFLOW_* environment variables over DefaultConfig.
func FromEnv() Config {
	cfg := DefaultConfig()
	if v := os.Getenv("KB_WORKFLOW_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("KB_WORKFLOW_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("KB_WORKFLOW_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RedisDB = n
		}
	}
	if v := os.Getenv("KB_WORKFLOW_WORKER_ID"); v != "" {
		cfg.WorkerID = v
	}
	if v := os.Getenv("KB_WORKFLOW_MAX_CONCURRENT_JOBS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentJobs = n
		}
	}
	if v := os.Getenv("KB_WORKFLOW_MAX_WORKFLOW_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxWorkflowDepth = n
		}
	}
	if v := os.Getenv("KB_WORKFLOW_REGISTRY_DIR"); v != "" {
		cfg.WorkflowRegistryDir = v
	}
	if v := os.Getenv("KB_WORKFLOW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("KB_WORKFLOW_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("KB_WORKFLOW_LEASE_TTL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LeaseTTL = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("KB_WORKFLOW_ARTIFACTS_ROOT"); v != "" {
		cfg.ArtifactsRoot = v
	}
	if v := os.Getenv("KB_WORKFLOW_PLUGIN_MANIFEST"); v != "" {
		cfg.PluginManifestPath = v
	}
	return cfg
}
