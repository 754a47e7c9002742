// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// CancelJob cancels a job. A pending job is cancelled immediately.
// A running job moves to Cancelling and its host is asked to stop
// it; the job becomes Cancelled when the host confirms, or Failed if
// the host does not confirm within CancelGracePeriod.
//
// It returns the job as updated, or an error wrapping
// ErrStaleTransition if the job has already finished.
func (o *Orchestrator) CancelJob(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	o.locks.Lock(id)
	queue, job, err := o.findJob(ctx, id)
	if err != nil {
		o.locks.Unlock(id)
		return jobs.Job{}, err
	}
	logger := o.logger.WithField("JobID", id)
	switch job.Status {
	case jobs.JobPending:
		job, err = queue.Transition(ctx, id, []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{
			Status:     jobs.StatusPtr(jobs.JobCancelled),
			Message:    jobs.StringPtr("cancelled before dispatch"),
			FinishedAt: jobs.TimePtr(time.Now()),
		})
		o.locks.Unlock(id)
		if err == nil {
			logger.Info("pending job cancelled")
		}
		return job, err
	case jobs.JobStarting, jobs.JobInProgress:
		job, err = queue.Transition(ctx, id, running, jobs.JobUpdate{
			Status:      jobs.StatusPtr(jobs.JobCancelling),
			HeartbeatAt: jobs.TimePtr(time.Now()),
		})
		o.locks.Unlock(id)
		if err != nil {
			return job, err
		}
	case jobs.JobCancelling:
		// Ask the host again.
		o.locks.Unlock(id)
	default:
		o.locks.Unlock(id)
		return job, fmt.Errorf("cannot cancel job %s in state %s: %w", id, job.Status, jobs.ErrStaleTransition)
	}

	logger = logger.WithField("HostID", job.HostID)
	rw := o.remoteFor(queue, job)
	if rw == nil {
		logger.Warn("no remote worker for host group, cannot notify host")
		return job, nil
	}
	if err := rw.Cancel(id, job.HostID); err != nil {
		logger.WithError(err).Warn("error sending cancel to host")
	} else {
		logger.Info("cancel requested")
	}
	return job, nil
}
