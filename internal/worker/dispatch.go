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

package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/KirillBaranov/kb-labs-workflow/internal/log"
	"github.com/KirillBaranov/kb-labs-workflow/internal/metrics"
	"github.com/KirillBaranov/kb-labs-workflow/internal/model"
	"github.com/KirillBaranov/kb-labs-workflow/internal/scheduler"
)

// CancelCause names why a job's cancellation signal fired.
type CancelCause string

const (
	CancelLeaseLost      CancelCause = "LeaseLost"
	CancelWorkerShutdown CancelCause = "WorkerShutdown"
)

// CancelSignal is delivered on a job's cancel channel at most once.
type CancelSignal struct {
	Cause CancelCause
}

// OutcomeKind is the result JobRunner.Dispatch reports to the loop.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeRetry     OutcomeKind = "retry"
	OutcomeAborted   OutcomeKind = "aborted"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Outcome is what a dispatched job reports back to the loop.
type Outcome struct {
	Kind          OutcomeKind
	DelayMs       int64
	UnblockedJobs []*model.JobRun
}

// DispatchParams is everything a JobRunner needs to drive one job.
type DispatchParams struct {
	Entry      *scheduler.Entry
	LeaseToken string
	Cancel     <-chan CancelSignal
}

// JobRunner drives a single JobRun through its lifecycle. Implemented by
// internal/jobrunner; declared here so the loop doesn't import it directly.
type JobRunner interface {
	Dispatch(ctx context.Context, params DispatchParams) (Outcome, error)
}

// Scheduler is the subset of the ready-queue contract the loop needs.
type Scheduler interface {
	DequeueJob(ctx context.Context) (*scheduler.Entry, error)
	Reschedule(ctx context.Context, entry *scheduler.Entry, delay time.Duration) error
	EnqueueJob(ctx context.Context, runID string, job *model.JobRun) error
}

// QueueDepthReporter is an optional capability a Scheduler can implement
// to expose its per-priority depth for the queueDepth gauge. Satisfied by
// *scheduler.RedisScheduler.
type QueueDepthReporter interface {
	Len(ctx context.Context, p model.Priority) (int64, error)
}

// LeaseStore is the subset of the state store the loop needs to hold an
// exclusive lease on a job while it executes.
type LeaseStore interface {
	AcquireLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error)
	RenewLease(ctx context.Context, jobID, ownerToken string, ttlSeconds int64) (bool, error)
	ReleaseLease(ctx context.Context, jobID, ownerToken string) error
}

// Worker runs the dispatch loop: dequeue, lease, dispatch, report.
type Worker struct {
	cfg       Config
	scheduler Scheduler
	leases    LeaseStore
	runner    JobRunner
	logger    *slog.Logger

	slots    chan struct{}
	stopping atomic.Bool
	wg       sync.WaitGroup

	activeMu sync.Mutex
	active   map[string]chan<- CancelSignal
}

// New creates a Worker. A random WorkerID is assigned if cfg.WorkerID is
// empty.
func New(cfg Config, sched Scheduler, leases LeaseStore, runner JobRunner, logger *slog.Logger) *Worker {
	cfg.Normalize()
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:       cfg,
		scheduler: sched,
		leases:    leases,
		runner:    runner,
		logger:    logger.With(slog.String(log.WorkerIDKey, cfg.WorkerID)),
		slots:     make(chan struct{}, cfg.MaxConcurrentJobs),
		active:    make(map[string]chan<- CancelSignal),
	}
}

// Run drives the dispatch loop until ctx is cancelled or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if w.stopping.Load() {
			break
		}
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
	w.wg.Wait()
}

func (w *Worker) tick(ctx context.Context) {
	w.reportQueueDepth(ctx)

	select {
	case w.slots <- struct{}{}:
	default:
		return // at capacity
	}

	entry, err := w.scheduler.DequeueJob(ctx)
	if err != nil {
		w.logger.Error("dequeue failed", slog.Any("error", err))
		<-w.slots
		return
	}
	if entry == nil {
		<-w.slots
		return
	}

	ownerToken := uuid.NewString()
	ttlSeconds := int64(w.cfg.LeaseTTL.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	ok, err := w.leases.AcquireLease(ctx, entry.JobID, ownerToken, ttlSeconds)
	if err != nil {
		w.logger.Error("lease acquire failed", slog.String(log.JobIDKey, entry.JobID), slog.Any("error", err))
		w.requeue(ctx, entry, w.cfg.PollInterval)
		<-w.slots
		return
	}
	if !ok {
		w.requeue(ctx, entry, w.cfg.PollInterval)
		<-w.slots
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.slots }()
		w.runJob(ctx, entry, ownerToken)
	}()
}

func (w *Worker) reportQueueDepth(ctx context.Context) {
	reporter, ok := w.scheduler.(QueueDepthReporter)
	if !ok {
		return
	}
	for _, p := range model.Levels() {
		n, err := reporter.Len(ctx, p)
		if err != nil {
			continue
		}
		metrics.SetQueueDepth(string(p), n)
	}
}

func (w *Worker) runJob(ctx context.Context, entry *scheduler.Entry, ownerToken string) {
	cancel := make(chan CancelSignal, 1)
	heartbeatDone := make(chan struct{})

	w.activeMu.Lock()
	w.active[entry.JobID] = cancel
	w.activeMu.Unlock()
	defer func() {
		w.activeMu.Lock()
		delete(w.active, entry.JobID)
		w.activeMu.Unlock()
	}()

	go w.heartbeat(ctx, entry.JobID, ownerToken, cancel, heartbeatDone)
	defer close(heartbeatDone)

	dispatchStart := time.Now()
	outcome, err := w.runner.Dispatch(ctx, DispatchParams{
		Entry:      entry,
		LeaseToken: ownerToken,
		Cancel:     cancel,
	})
	if err != nil {
		metrics.ObserveDispatchLatency("error", time.Since(dispatchStart))
		w.logger.Error("job dispatch failed", slog.String(log.JobIDKey, entry.JobID), slog.Any("error", err))
		w.requeue(ctx, entry, w.cfg.PollInterval)
		w.releaseLease(ctx, entry.JobID, ownerToken)
		return
	}
	metrics.ObserveDispatchLatency(string(outcome.Kind), time.Since(dispatchStart))

	switch outcome.Kind {
	case OutcomeCompleted:
		for _, job := range outcome.UnblockedJobs {
			if err := w.scheduler.EnqueueJob(ctx, entry.RunID, job); err != nil {
				w.logger.Error("enqueue unblocked job failed", slog.String(log.JobIDKey, job.ID), slog.Any("error", err))
			}
		}
	case OutcomeRetry:
		w.requeue(ctx, entry, time.Duration(outcome.DelayMs)*time.Millisecond)
	case OutcomeAborted:
		w.requeue(ctx, entry, w.cfg.PollInterval)
	case OutcomeSkipped:
		// no requeue
	}

	w.releaseLease(ctx, entry.JobID, ownerToken)
}

func (w *Worker) heartbeat(ctx context.Context, jobID, ownerToken string, cancel chan<- CancelSignal, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	ttlSeconds := int64(w.cfg.LeaseTTL.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			select {
			case cancel <- CancelSignal{Cause: CancelWorkerShutdown}:
			default:
			}
			return
		case <-ticker.C:
			renewed, err := w.leases.RenewLease(ctx, jobID, ownerToken, ttlSeconds)
			metrics.IncLeaseRenewal(err == nil && renewed)
			if err != nil || !renewed {
				select {
				case cancel <- CancelSignal{Cause: CancelLeaseLost}:
				default:
				}
				return
			}
		}
	}
}

func (w *Worker) requeue(ctx context.Context, entry *scheduler.Entry, delay time.Duration) {
	if err := w.scheduler.Reschedule(ctx, entry, delay); err != nil {
		w.logger.Error("reschedule failed", slog.String(log.JobIDKey, entry.JobID), slog.Any("error", err))
	}
}

func (w *Worker) releaseLease(ctx context.Context, jobID, ownerToken string) {
	if err := w.leases.ReleaseLease(ctx, jobID, ownerToken); err != nil {
		w.logger.Error("release lease failed", slog.String(log.JobIDKey, jobID), slog.Any("error", err))
	}
}

// Snapshot is a point-in-time view of a Worker's local state, returned by
// GetMetrics. The package-level Prometheus collectors in internal/metrics
// cover cumulative/cross-worker counters; this covers what only this
// worker instance knows about itself.
type Snapshot struct {
	WorkerID   string
	Capacity   int
	ActiveJobs int
	Stopping   bool
}

// GetMetrics returns a snapshot of this worker's current load.
func (w *Worker) GetMetrics() Snapshot {
	w.activeMu.Lock()
	active := len(w.active)
	w.activeMu.Unlock()
	return Snapshot{
		WorkerID:   w.cfg.WorkerID,
		Capacity:   w.cfg.MaxConcurrentJobs,
		ActiveJobs: active,
		Stopping:   w.stopping.Load(),
	}
}

// Stop sets the stopping flag so the loop drains after its current
// iteration, signals every in-flight job to cancel with cause
// WorkerShutdown, and blocks until all slots finish.
func (w *Worker) Stop() {
	w.stopping.Store(true)

	w.activeMu.Lock()
	for _, cancel := range w.active {
		select {
		case cancel <- CancelSignal{Cause: CancelWorkerShutdown}:
		default:
		}
	}
	w.activeMu.Unlock()

	w.wg.Wait()
}
