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

// Package metrics holds the engine's Prometheus collectors: queue depth,
// dispatch latency, lease renewals, retry counts, and event-bridge drops.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "workflow_queue_depth",
			Help: "Ready-queue depth by priority level",
		},
		[]string{"priority"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflow_job_dispatch_seconds",
			Help:    "Wall-clock time spent driving a job through Dispatch, by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	leaseRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_lease_renewals_total",
			Help: "Total lease renewal attempts by result",
		},
		[]string{"result"},
	)

	retryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_job_retries_total",
			Help: "Total job retry reschedules by backoff kind",
		},
		[]string{"backoff"},
	)

	eventDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_event_drops_total",
			Help: "Total events dropped by the event bridge, by reason",
		},
		[]string{"reason"},
	)
)

// SetQueueDepth records the current number of ready entries at a priority
// level.
func SetQueueDepth(priority string, depth int64) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

// ObserveDispatchLatency records how long one Dispatch call took.
func ObserveDispatchLatency(outcome string, d time.Duration) {
	dispatchLatency.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncLeaseRenewal records a heartbeat renewal attempt's result.
func IncLeaseRenewal(success bool) {
	result := "success"
	if !success {
		result = "lost"
	}
	leaseRenewals.WithLabelValues(result).Inc()
}

// IncRetry records a job being rescheduled under its retry policy.
func IncRetry(backoff string) {
	retryCount.WithLabelValues(backoff).Inc()
}

// IncEventDrop records an event the bridge could not append.
func IncEventDrop(reason string) {
	eventDrops.WithLabelValues(reason).Inc()
}
