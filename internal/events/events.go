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

// Package events bridges job runner and coordinator lifecycle events onto
// durable per-run Redis streams with back-pressure: a single in-process
// queue, a timer-driven flusher that pipelines appends in batches, and a
// TTL set on each stream key after every flush.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/KirillBaranov/kb-labs-workflow/internal/metrics"
)

// Envelope is one published event.
type Envelope struct {
	RunID     string         `json:"runId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const streamKeyPrefix = "kb:events:"

func streamKey(runID string) string { return streamKeyPrefix + runID }

// Config tunes the bridge's buffering, batching, and rate-limiting
// behavior. Zero values are replaced by DefaultConfig's defaults.
type Config struct {
	// MaxBufferSize is the in-process queue capacity; at capacity the
	// oldest queued entry is dropped to make room for the newest.
	MaxBufferSize int
	// MaxBatchSize caps how many entries one flush tick drains.
	MaxBatchSize int
	// FlushInterval is the base tick period between flushes.
	FlushInterval time.Duration
	// MaxFlushInterval bounds the exponential backoff applied to
	// FlushInterval after consecutive flush errors.
	MaxFlushInterval time.Duration
	// StreamTTL is applied to a run's stream key after each flush that
	// appends to it.
	StreamTTL time.Duration
	// EventsPerSecond is the per-run rate limit; events beyond this
	// count within a wall-clock second are dropped with a warning.
	EventsPerSecond int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxBufferSize:    10000,
		MaxBatchSize:     100,
		FlushInterval:    100 * time.Millisecond,
		MaxFlushInterval: 30 * time.Second,
		StreamTTL:        14 * 24 * time.Hour,
		EventsPerSecond:  1000,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxFlushInterval <= 0 {
		c.MaxFlushInterval = d.MaxFlushInterval
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = d.StreamTTL
	}
	if c.EventsPerSecond <= 0 {
		c.EventsPerSecond = d.EventsPerSecond
	}
}

type rateWindow struct {
	second int64
	count  int
}

// Bridge is a buffered, rate-limited, batch-flushing publisher satisfying
// both internal/jobrunner's and internal/coordinator's EventPublisher
// interfaces.
type Bridge struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Envelope
	dropped int64
	rates   map[string]*rateWindow

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewBridge starts the background flush loop and returns a Bridge. Call
// Close to drain remaining events and stop the loop.
func NewBridge(client *redis.Client, cfg Config, logger *slog.Logger) *Bridge {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		client: client,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "events")),
		rates:  make(map[string]*rateWindow),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish implements the EventPublisher contract used by the coordinator
// and the job runner. It never blocks: the per-run rate limit and the
// bounded overflow buffer both shed load instead of applying backpressure
// to the caller.
func (b *Bridge) Publish(ctx context.Context, runID string, eventType string, payload map[string]any) {
	now := time.Now()
	if !b.allow(runID, now) {
		metrics.IncEventDrop("rate_limited")
		b.logger.Warn("event rate limited", slog.String("run_id", runID), slog.String("type", eventType))
		return
	}

	env := Envelope{RunID: runID, Type: eventType, Payload: payload, Timestamp: now}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.cfg.MaxBufferSize {
		b.queue = b.queue[1:]
		b.dropped++
		metrics.IncEventDrop("buffer_full")
		b.logger.Warn("event buffer full, dropping oldest", slog.String("run_id", runID))
	}
	b.queue = append(b.queue, env)
}

func (b *Bridge) allow(runID string, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sec := now.Unix()
	w, ok := b.rates[runID]
	if !ok || w.second != sec {
		w = &rateWindow{second: sec}
		b.rates[runID] = w
	}
	w.count++
	return w.count <= b.cfg.EventsPerSecond
}

// Dropped returns the number of events dropped due to a full buffer.
func (b *Bridge) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *Bridge) loop() {
	defer close(b.doneCh)
	interval := b.cfg.FlushInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-b.stopCh:
			b.flushAll()
			return
		case <-timer.C:
			if b.flushBatch() != nil {
				interval *= 2
				if interval > b.cfg.MaxFlushInterval {
					interval = b.cfg.MaxFlushInterval
				}
			} else {
				interval = b.cfg.FlushInterval
			}
			timer.Reset(interval)
		}
	}
}

func (b *Bridge) take(max int) []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	n := len(b.queue)
	if max > 0 && n > max {
		n = max
	}
	batch := make([]Envelope, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	return batch
}

func (b *Bridge) flushBatch() error {
	batch := b.take(b.cfg.MaxBatchSize)
	return b.append(batch)
}

func (b *Bridge) flushAll() {
	for {
		batch := b.take(b.cfg.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		_ = b.append(batch)
	}
}

// append pipelines XADD for every envelope in the batch plus one EXPIRE
// per distinct stream touched, in a single round trip.
func (b *Bridge) append(batch []Envelope) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pipe := b.client.Pipeline()
	touched := make(map[string]bool, len(batch))
	for _, env := range batch {
		data, err := json.Marshal(env)
		if err != nil {
			b.logger.Error("event marshal failed", slog.Any("error", err))
			continue
		}
		key := streamKey(env.RunID)
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]any{"data": data}})
		touched[key] = true
	}
	for key := range touched {
		pipe.Expire(ctx, key, b.cfg.StreamTTL)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		b.logger.Error("event batch flush failed", slog.Int("batch_size", len(batch)), slog.Any("error", err))
	}
	return err
}

// Close stops the flush loop after draining every buffered event.
func (b *Bridge) Close() {
	close(b.stopCh)
	<-b.doneCh
}

// Read returns up to count events past cursor (exclusive), oldest first,
// along with a new cursor positioned at the last event returned. An empty
// cursor reads from the start of the stream. Pass the returned cursor back
// in to page forward; an empty result means the cursor is caught up.
func (b *Bridge) Read(ctx context.Context, runID string, cursor string, count int64) ([]Envelope, string, error) {
	start := "-"
	if cursor != "" {
		start = "(" + cursor
	}
	msgs, err := b.client.XRangeN(ctx, streamKey(runID), start, "+", count).Result()
	if err != nil {
		return nil, cursor, err
	}
	out := make([]Envelope, 0, len(msgs))
	next := cursor
	for _, m := range msgs {
		raw, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
		next = m.ID
	}
	return out, next, nil
}

// Export reads a run's entire event stream from the start until exhausted,
// paging through Read in MaxBatchSize-sized chunks.
func (b *Bridge) Export(ctx context.Context, runID string) ([]Envelope, error) {
	all := make([]Envelope, 0)
	cursor := ""
	for {
		batch, next, err := b.Read(ctx, runID, cursor, int64(b.cfg.MaxBatchSize))
		if err != nil {
			return all, err
		}
		if len(batch) == 0 {
			return all, nil
		}
		all = append(all, batch...)
		cursor = next
		if int64(len(batch)) < int64(b.cfg.MaxBatchSize) {
			return all, nil
		}
	}
}

// Tail reads up to count recent events for a run, oldest first. Intended
// for the replay tooling and debugging, not hot-path consumption.
func (b *Bridge) Tail(ctx context.Context, runID string, count int64) ([]Envelope, error) {
	msgs, err := b.client.XRevRangeN(ctx, streamKey(runID), "+", "-", count).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["data"].(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}
