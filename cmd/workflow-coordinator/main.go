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

// Command workflow-coordinator exposes the submission API (createRun,
// getRun, cancelRun) over HTTP for clients that don't hold a direct Redis
// connection. workflowctl is a client of this server; it has no
// in-process Redis mode.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KirillBaranov/kb-labs-workflow/internal/coordinator"
	"github.com/KirillBaranov/kb-labs-workflow/internal/engineconfig"
	"github.com/KirillBaranov/kb-labs-workflow/internal/events"
	"github.com/KirillBaranov/kb-labs-workflow/internal/log"
	"github.com/KirillBaranov/kb-labs-workflow/internal/scheduler"
	"github.com/KirillBaranov/kb-labs-workflow/internal/snapshot"
	"github.com/KirillBaranov/kb-labs-workflow/internal/store"
)

func main() {
	cfg := engineconfig.FromEnv()
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer client.Close()

	st := store.NewRedisStoreFromClient(client)
	sched := scheduler.NewRedisScheduler(client, cfg.SchedulerLookAhead)
	bridge := events.NewBridge(client, events.Config{StreamTTL: cfg.EventStreamTTL, MaxBatchSize: cfg.EventMaxBatchSize, EventsPerSecond: cfg.EventsPerSecond}, logger)
	defer bridge.Close()

	coord := coordinator.New(st, sched, bridge, logger, cfg.IdempotencyTTL, cfg.ConcurrencyTTL)
	snapStore := snapshot.NewRedisStore(client, int64(cfg.SnapshotTTL.Seconds()))
	snapMgr := snapshot.New(snapStore, st, sched, bridge, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      newAPI(coord, snapMgr, logger).routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("workflow-coordinator listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("workflow-coordinator stopped")
}
