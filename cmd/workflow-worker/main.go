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

// Command workflow-worker runs the dispatch loop: it leases ready jobs off
// the scheduler's priority queues, drives each through its steps, and
// reports retries/completions back.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/engineconfig"
	"github.com/KirillBaranov/kb-labs-workflow/internal/events"
	"github.com/KirillBaranov/kb-labs-workflow/internal/executor"
	"github.com/KirillBaranov/kb-labs-workflow/internal/jobrunner"
	"github.com/KirillBaranov/kb-labs-workflow/internal/log"
	"github.com/KirillBaranov/kb-labs-workflow/internal/registry"
	"github.com/KirillBaranov/kb-labs-workflow/internal/scheduler"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
	"github.com/KirillBaranov/kb-labs-workflow/internal/tracing"
	"github.com/KirillBaranov/kb-labs-workflow/internal/worker"
)

func main() {
	cfg := engineconfig.FromEnv()
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := tracing.New(ctx, tracing.FromEnv())
	if err != nil {
		logger.Error("tracing provider unavailable, spans will not be exported", slog.Any("error", err))
		tracerProvider = nil
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			logger.Error("tracing shutdown failed", slog.Any("error", err))
		}
	}()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer client.Close()

	st := store.NewRedisStoreFromClient(client)
	sched := scheduler.NewRedisScheduler(client, cfg.SchedulerLookAhead)
	bridge := events.NewBridge(client, events.Config{StreamTTL: cfg.EventStreamTTL, MaxBatchSize: cfg.EventMaxBatchSize, EventsPerSecond: cfg.EventsPerSecond}, logger)
	defer bridge.Close()

	coord := coordinator.New(st, sched, bridge, logger, cfg.IdempotencyTTL, cfg.ConcurrencyTTL)

	wfRegistry, err := registry.New(registry.Config{Root: cfg.WorkflowRegistryDir}, logger)
	if err != nil {
		logger.Error("workflow registry unavailable, sub-workflow steps will fail", slog.Any("error", err))
	} else {
		defer wfRegistry.Close()
	}

	workflowExec := &executor.WorkflowExecutor{
		Resolver:    wfRegistry,
		Loader:      registry.LoadSpecFile,
		Coordinator: coord,
		MaxDepth:    cfg.MaxWorkflowDepth,
		Tracer:      tracerProvider.Tracer("workflow-executor"),
	}

	pluginEntries, err := executor.LoadManifestFile(cfg.PluginManifestPath)
	if err != nil {
		logger.Error("plugin manifest unavailable, plugin: steps will fail", slog.Any("error", err))
		pluginEntries = map[string]executor.PluginManifestEntry{}
	}
	pluginResolver := executor.NewManifestResolver(pluginEntries)
	defer pluginResolver.Close()

	approvals := executor.NewRedisApprovalStore(client)
	executors := executor.NewRegistry(
		&executor.ShellExecutor{},
		&executor.ApprovalExecutor{Store: approvals},
		&executor.PluginExecutor{Resolver: pluginResolver},
		workflowExec,
	)

	runner := jobrunner.New(st, executors, coord, bridge, logger, cfg.ArtifactsRoot, tracerProvider.Tracer("jobrunner"))

	wcfg := worker.Config{
		WorkerID:          cfg.WorkerID,
		PollInterval:      cfg.PollInterval,
		LeaseTTL:          cfg.LeaseTTL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
	}
	w := worker.New(wcfg, sched, st, runner, logger)

	logger.Info("workflow-worker starting", slog.String("redis_addr", cfg.RedisAddr))
	w.Run(ctx)
	logger.Info("workflow-worker stopped")
}
