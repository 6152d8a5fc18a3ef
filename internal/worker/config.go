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

// Package worker pulls ready job entries off the scheduler, holds an
// exclusive lease on each while it executes, and reports outcomes back.
package worker

import "time"

// Config tunes a single worker's polling, leasing and concurrency.
type Config struct {
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	MaxConcurrentJobs int
	WorkerID          string
}

// DefaultConfig returns the documented defaults, with HeartbeatInterval
// forced into [1s, LeaseTTL/2] by Normalize.
func DefaultConfig() Config {
	c := Config{
		PollInterval:      1000 * time.Millisecond,
		LeaseTTL:          15000 * time.Millisecond,
		HeartbeatInterval: 5000 * time.Millisecond,
		MaxConcurrentJobs: 1,
	}
	c.Normalize()
	return c
}

// Normalize enforces the lease invariant: heartbeatInterval <= leaseTtl/2.
func (c *Config) Normalize() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 15000 * time.Millisecond
	}
	max := c.LeaseTTL / 2
	min := time.Second
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatInterval > max {
		c.HeartbeatInterval = max
	}
	if c.HeartbeatInterval < min && max >= min {
		c.HeartbeatInterval = min
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}
