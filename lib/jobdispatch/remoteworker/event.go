// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package remoteworker

import (
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// EventKind identifies a job lifecycle event reported by a remote
// worker.
type EventKind string

const (
	HostNotAvailable = EventKind("HostNotAvailable")
	Executing        = EventKind("Executing")
	Executed         = EventKind("Executed")
	Cancelling       = EventKind("Cancelling")
	Cancelled        = EventKind("Cancelled")
	ProgressChanged  = EventKind("ProgressChanged")
	Interrupted      = EventKind("Interrupted")
	Heartbeat        = EventKind("Heartbeat")
)

// Event is an outcome or progress report for a job. Events are the
// only way the orchestrator learns what happened on a host.
type Event struct {
	Kind     EventKind
	JobID    uuid.UUID
	HostID   string
	Status   jobs.JobStatus // Executed only
	Progress float64        // ProgressChanged only
	Message  string
	Time     time.Time
}
