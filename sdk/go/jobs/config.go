// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import "strings"

// Config is the top level of the jobdispatch configuration file.
type Config struct {
	SystemLogs struct {
		Format   string
		LogLevel string
	}
	Services struct {
		JobDispatch struct {
			// Listen address for the management API and
			// the host websocket, e.g. ":9010".
			Listen string
		}
	}
	ManagementToken string
	Dispatch        DispatchConfig
	PostgreSQL      PostgreSQLConfig
	Tasks           struct {
		Directory string
		CacheSize int
	}
}

// DispatchConfig controls the orchestrator's timers and policies.
type DispatchConfig struct {
	// Interval between execution ticks (dispatching pending
	// jobs).
	ExecutionInterval Duration

	// Interval between heartbeat checks.
	HeartbeatInterval Duration

	// Interval between max-runtime checks.
	TimeoutInterval Duration

	// A running job with no heartbeat for this long is timed
	// out. Zero means 3x HeartbeatInterval.
	HeartbeatTimeout Duration

	// Default runtime ceiling for jobs that don't specify one.
	// Zero means no limit.
	MaxRuntime Duration

	// Time to wait for a host to confirm a cancel/timeout
	// request before the job is marked Failed.
	CancelGracePeriod Duration

	// Interval between host availability probes.
	ProbeInterval Duration

	// Maximum time to wait for a host to answer an availability
	// probe.
	AvailabilityTimeout Duration

	// Number of times an interrupted job is requeued before it
	// is marked Failed.
	MaxRetries int

	// Host groups to dispatch jobs for. One job worker is
	// created per group.
	HostGroups []string

	// Publish scalars (live counters) under ScalarScope.
	EnableScalars bool
	ScalarScope   string
}

// PostgreSQLConfig describes the optional job database. If
// Connection is empty, jobs are kept in memory.
type PostgreSQLConfig struct {
	Connection     PostgreSQLConnection
	ConnectionPool int
}

// PostgreSQLConnection is a set of libpq connection parameters, like
// {"host": "localhost", "dbname": "jobdispatch"}.
type PostgreSQLConnection map[string]string

// String returns a libpq connection string.
func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}
