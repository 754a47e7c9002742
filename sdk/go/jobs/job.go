// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending    = JobStatus("Pending")
	JobStarting   = JobStatus("Starting")
	JobInProgress = JobStatus("InProgress")
	JobSuccess    = JobStatus("Success")
	JobFailed     = JobStatus("Failed")
	JobCancelled  = JobStatus("Cancelled")
	JobCancelling = JobStatus("Cancelling")
	JobTimeout    = JobStatus("Timeout")
	JobError      = JobStatus("Error")
)

// InFlightStatuses are the states in which a job occupies a slot on
// a host.
var InFlightStatuses = []JobStatus{JobStarting, JobInProgress, JobCancelling}

// InFlight returns true if a job in state s has been handed to a
// host and has not finished yet.
func (s JobStatus) InFlight() bool {
	switch s {
	case JobStarting, JobInProgress, JobCancelling:
		return true
	}
	return false
}

// Final returns true if no further transitions are expected from
// state s.
func (s JobStatus) Final() bool {
	switch s {
	case JobSuccess, JobFailed, JobCancelled, JobTimeout, JobError:
		return true
	}
	return false
}

// Job is one unit of scheduled work.
type Job struct {
	ID          uuid.UUID         `json:"id"`
	TaskID      string            `json:"task_id"`
	HostGroup   string            `json:"host_group"`
	HostID      string            `json:"host_id"`
	Status      JobStatus         `json:"status"`
	Priority    int               `json:"priority"`
	Tag         string            `json:"tag"`
	Parameters  map[string]string `json:"parameters"`
	Progress    float64           `json:"progress"`
	Message     string            `json:"message"`
	Retries     int               `json:"retries"`
	MaxRuntime  Duration          `json:"max_runtime"`
	RequestedAt time.Time         `json:"requested_at"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	HeartbeatAt time.Time         `json:"heartbeat_at"`
	Version     int64             `json:"version"`
}

// Group returns the job's routing key, substituting
// DefaultHostGroup for an empty HostGroup.
func (j Job) Group() string {
	if j.HostGroup == "" {
		return DefaultHostGroup
	}
	return j.HostGroup
}

// JobUpdate describes a partial update to a Job. Nil fields are left
// unchanged.
type JobUpdate struct {
	Status      *JobStatus
	HostID      *string
	Progress    *float64
	Message     *string
	Retries     *int
	StartedAt   *time.Time
	FinishedAt  *time.Time
	HeartbeatAt *time.Time
}

// Apply copies the non-nil fields of upd into job.
func (upd JobUpdate) Apply(job *Job) {
	if upd.Status != nil {
		job.Status = *upd.Status
	}
	if upd.HostID != nil {
		job.HostID = *upd.HostID
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.Message != nil {
		job.Message = *upd.Message
	}
	if upd.Retries != nil {
		job.Retries = *upd.Retries
	}
	if upd.StartedAt != nil {
		job.StartedAt = *upd.StartedAt
	}
	if upd.FinishedAt != nil {
		job.FinishedAt = *upd.FinishedAt
	}
	if upd.HeartbeatAt != nil {
		job.HeartbeatAt = *upd.HeartbeatAt
	}
}

// A JobService stores jobs on behalf of the orchestrator. Implemented
// by jobqueue.Memory, jobqueue.Postgres, and test stubs.
type JobService interface {
	// Query returns jobs whose status is one of the given
	// statuses, or all jobs if none are given. The order is
	// defined by the implementation.
	Query(ctx context.Context, statuses ...JobStatus) ([]Job, error)

	// Add stores a new job and returns it as stored.
	Add(ctx context.Context, job Job) (Job, error)

	// Get returns the job with the given ID. The bool result is
	// false if there is no such job.
	Get(ctx context.Context, id uuid.UUID) (Job, bool, error)

	// Update replaces the stored job unconditionally.
	Update(ctx context.Context, job Job) error

	// Transition applies upd only if the job's current status is
	// one of from. It returns ErrStaleTransition (wrapped) if the
	// job is in some other state, and ErrJobNotFound if it does
	// not exist.
	Transition(ctx context.Context, id uuid.UUID, from []JobStatus, upd JobUpdate) (Job, error)
}

// StatusPtr and friends are convenience helpers for building a
// JobUpdate.
func StatusPtr(s JobStatus) *JobStatus { return &s }
func StringPtr(s string) *string { return &s }
func TimePtr(t time.Time) *time.Time { return &t }
func FloatPtr(f float64) *float64 { return &f }
func IntPtr(i int) *int { return &i }
