// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config holds the job-manager core's own policy configuration: the
// eventlog batch-commit window, the housekeeping release-after default, the
// default queue, and the KVS/transport connector's retry policy.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the job-manager core's policy configuration.
type Config struct {
	// BatchTimeout is how long a commit batch stays open before it closes
	// on its own (spec.md §2: "Batches close on a short timer ... or on
	// explicit flush").
	BatchTimeout time.Duration

	// DefaultQueue names the queue new jobs land in when their jobspec
	// does not name one and named queues are not in use.
	DefaultQueue string

	// NamedQueuesEnabled switches the queue admin layer from single
	// anonymous-queue mode into multiple named queues.
	NamedQueuesEnabled bool

	// HousekeepingCommand is the argv launched on each rank after a job's
	// final release.
	HousekeepingCommand []string

	// HousekeepingReleaseAfter controls partial-release timing:
	// <0 = never partially release, 0 = release as each rank completes,
	// >0 = arm a one-shot timer on first completion (spec.md §4.7).
	HousekeepingReleaseAfter time.Duration

	// ConnectorRetryCount bounds how many times the KVS/transport
	// connector retries a failed connect before giving up (spec.md §6,
	// FLUX_LOCAL_CONNECTOR_RETRY_COUNT).
	ConnectorRetryCount int

	// ConnectorBackoffMin and ConnectorBackoffMax bound the connector's
	// exponential backoff between retries (spec.md §6: 16ms, capped 2s).
	ConnectorBackoffMin time.Duration
	ConnectorBackoffMax time.Duration

	// Debug enables verbose reactor logging.
	Debug bool
}

// NewDefault returns the job-manager's default policy configuration.
func NewDefault() *Config {
	return &Config{
		BatchTimeout:             10 * time.Millisecond,
		DefaultQueue:             "default",
		NamedQueuesEnabled:       false,
		HousekeepingCommand:      nil,
		HousekeepingReleaseAfter: -1,
		ConnectorRetryCount:      getEnvIntOrDefault("FLUX_LOCAL_CONNECTOR_RETRY_COUNT", 5),
		ConnectorBackoffMin:      16 * time.Millisecond,
		ConnectorBackoffMax:      2 * time.Second,
		Debug:                    getEnvBoolOrDefault("JOBMGR_DEBUG", false),
	}
}

// Load re-reads the environment into an existing Config, leaving fields
// untouched when the corresponding variable is unset.
func (c *Config) Load() {
	if v := os.Getenv("JOBMGR_BATCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BatchTimeout = d
		}
	}

	if v := os.Getenv("JOBMGR_DEFAULT_QUEUE"); v != "" {
		c.DefaultQueue = v
	}

	if v := os.Getenv("JOBMGR_NAMED_QUEUES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.NamedQueuesEnabled = b
		}
	}

	if v := os.Getenv("JOBMGR_HOUSEKEEPING_RELEASE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.HousekeepingReleaseAfter = d
		}
	}

	if v := os.Getenv("FLUX_LOCAL_CONNECTOR_RETRY_COUNT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			c.ConnectorRetryCount = i
		}
	}

	c.Debug = getEnvBoolOrDefault("JOBMGR_DEBUG", c.Debug)
}

// Validate checks the configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.BatchTimeout <= 0 {
		return ErrInvalidBatchTimeout
	}

	if c.ConnectorRetryCount < 0 {
		return ErrInvalidRetryCount
	}

	if !c.NamedQueuesEnabled && c.DefaultQueue == "" {
		return ErrMissingDefaultQueue
	}

	return nil
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
