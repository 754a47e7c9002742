// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

var running = []jobs.JobStatus{jobs.JobStarting, jobs.JobInProgress}

// runHeartbeat times out running jobs whose hosts have stopped
// sending heartbeats.
func (o *Orchestrator) runHeartbeat() {
	ctx := ctxlog.Context(context.Background(), o.logger)
	for _, queue := range o.queues {
		js, err := queue.Query(ctx, running...)
		if err != nil {
			o.logger.WithError(err).Warn("error querying running jobs")
			o.mTicksSkipped.WithLabelValues("heartbeat").Inc()
			continue
		}
		for _, job := range js {
			if o.heartbeatStale(job, time.Now()) {
				o.expire(ctx, queue, job, fmt.Sprintf("no heartbeat since %s", job.HeartbeatAt.Format(time.RFC3339)), o.heartbeatStale)
			}
		}
	}
}

func (o *Orchestrator) heartbeatStale(job jobs.Job, now time.Time) bool {
	return !job.HeartbeatAt.IsZero() && now.Sub(job.HeartbeatAt) > o.HeartbeatTimeout
}

// runTimeout times out running jobs that have exceeded their
// maximum runtime, and fails Cancelling jobs whose hosts never
// confirmed the cancellation.
func (o *Orchestrator) runTimeout() {
	ctx := ctxlog.Context(context.Background(), o.logger)
	for _, queue := range o.queues {
		js, err := queue.Query(ctx, jobs.InFlightStatuses...)
		if err != nil {
			o.logger.WithError(err).Warn("error querying in-flight jobs")
			o.mTicksSkipped.WithLabelValues("timeout").Inc()
			continue
		}
		for _, job := range js {
			now := time.Now()
			switch {
			case job.Status == jobs.JobCancelling && o.cancelExpired(job, now):
				o.abandon(ctx, queue, job)
			case job.Status != jobs.JobCancelling && o.runtimeExceeded(job, now):
				o.expire(ctx, queue, job, fmt.Sprintf("exceeded maximum runtime %s", o.maxRuntime(job)), o.runtimeExceeded)
			}
		}
	}
}

func (o *Orchestrator) maxRuntime(job jobs.Job) time.Duration {
	if job.MaxRuntime > 0 {
		return job.MaxRuntime.Duration()
	}
	return o.MaxRuntime
}

func (o *Orchestrator) runtimeExceeded(job jobs.Job, now time.Time) bool {
	limit := o.maxRuntime(job)
	return limit > 0 && !job.StartedAt.IsZero() && now.Sub(job.StartedAt) > limit
}

func (o *Orchestrator) cancelExpired(job jobs.Job, now time.Time) bool {
	return o.CancelGracePeriod > 0 && !job.HeartbeatAt.IsZero() && now.Sub(job.HeartbeatAt) > o.CancelGracePeriod
}

// expire moves a running job to Timeout and tells its host to stop
// it. The job is reloaded under the job lock and left alone unless
// it is still running and stillExpired is still true; a job that was
// requeued and dispatched again in the meantime is not affected.
func (o *Orchestrator) expire(ctx context.Context, queue jobs.JobService, job jobs.Job, reason string, stillExpired func(jobs.Job, time.Time) bool) {
	logger := o.logger.WithFields(logrus.Fields{
		"JobID":     job.ID,
		"HostGroup": job.Group(),
		"HostID":    job.HostID,
	})
	if !o.locks.TryLock(job.ID) {
		logger.Debug("job is locked by another operation, will check again next tick")
		return
	}
	timedOut, ok := func() (jobs.Job, bool) {
		defer o.locks.Unlock(job.ID)
		cur, found, err := queue.Get(ctx, job.ID)
		if err != nil {
			logger.WithError(err).Warn("error reloading job")
			return cur, false
		}
		if !found || (cur.Status != jobs.JobStarting && cur.Status != jobs.JobInProgress) || !stillExpired(cur, time.Now()) {
			return cur, false
		}
		cur, err = queue.Transition(ctx, job.ID, running, jobs.JobUpdate{
			Status:     jobs.StatusPtr(jobs.JobTimeout),
			Message:    jobs.StringPtr(reason),
			FinishedAt: jobs.TimePtr(time.Now()),
		})
		if err != nil {
			logger.WithError(err).Warn("error moving job to Timeout")
			return cur, false
		}
		return cur, true
	}()
	if !ok {
		return
	}
	logger.WithField("Reason", reason).Info("job timed out")
	rw := o.remoteFor(queue, timedOut)
	if rw == nil {
		logger.Warn("no remote worker for host group, cannot notify host")
		return
	}
	if err := rw.Timeout(timedOut.ID, timedOut.HostID); err != nil {
		logger.WithError(err).Warn("error sending timeout to host")
	}
}

// abandon marks a Cancelling job Failed after its host failed to
// confirm the cancellation within the grace period.
func (o *Orchestrator) abandon(ctx context.Context, queue jobs.JobService, job jobs.Job) {
	logger := o.logger.WithFields(logrus.Fields{
		"JobID":  job.ID,
		"HostID": job.HostID,
	})
	if !o.locks.TryLock(job.ID) {
		return
	}
	defer o.locks.Unlock(job.ID)
	cur, found, err := queue.Get(ctx, job.ID)
	if err != nil || !found || cur.Status != jobs.JobCancelling || !o.cancelExpired(cur, time.Now()) {
		return
	}
	_, err = queue.Transition(ctx, job.ID, []jobs.JobStatus{jobs.JobCancelling}, jobs.JobUpdate{
		Status:     jobs.StatusPtr(jobs.JobFailed),
		Message:    jobs.StringPtr(fmt.Sprintf("host did not confirm cancellation within %s", o.CancelGracePeriod)),
		FinishedAt: jobs.TimePtr(time.Now()),
	})
	if err != nil {
		logger.WithError(err).Warn("error failing unconfirmed cancellation")
		return
	}
	logger.Warn("host did not confirm cancellation, job marked Failed")
}

// remoteFor returns the remote worker that reaches the host running
// job, or nil if no job worker serves the job's host group.
func (o *Orchestrator) remoteFor(queue jobs.JobService, job jobs.Job) remoteworker.RemoteWorker {
	if w := o.worker(queue, job); w != nil {
		return w.RemoteWorker()
	}
	return nil
}
