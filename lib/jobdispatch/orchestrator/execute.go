// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/jobworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

// runExecution dispatches pending jobs from every job service, in
// the order each service returns them.
func (o *Orchestrator) runExecution() {
	ctx := ctxlog.Context(context.Background(), o.logger)
	load, err := o.currentLoad(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("cannot determine host load, skipping execution tick")
		o.mTicksSkipped.WithLabelValues("execution").Inc()
		return
	}
	skip := o.unreachableHosts()
	pending := 0
	for _, queue := range o.queues {
		queued, err := queue.Query(ctx, jobs.JobPending)
		if err != nil {
			o.logger.WithError(err).Warn("error querying pending jobs")
			continue
		}
		for _, job := range queued {
			if !o.dispatch(ctx, queue, job, load, skip) {
				pending++
			}
		}
	}
	o.mJobsPending.Set(float64(pending))
	inFlight := 0
	for _, n := range load {
		inFlight += n
	}
	o.mJobsInProgress.Set(float64(inFlight))
}

// dispatch tries to start one job and returns true if it was
// handed to a remote worker. Errors (and panics) are logged and
// do not propagate.
func (o *Orchestrator) dispatch(ctx context.Context, queue jobs.JobService, job jobs.Job, load jobworker.Load, skip map[string]bool) (dispatched bool) {
	logger := o.logger.WithFields(logrus.Fields{
		"JobID":     job.ID,
		"HostGroup": job.Group(),
		"TaskID":    job.TaskID,
	})
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("Panic", r).Error("recovered from panic while dispatching job")
			o.mDispatchErrors.Inc()
			dispatched = false
		}
	}()
	w := o.worker(queue, job)
	if w == nil {
		logger.Debug("no job worker for host group")
		return false
	}
	if !o.locks.TryLock(job.ID) {
		logger.Debug("job is locked by another operation, will retry next tick")
		return false
	}
	defer o.locks.Unlock(job.ID)
	ok, err := w.Dispatch(ctx, job, load, skip)
	if errors.Is(err, jobs.ErrStaleTransition) {
		logger.WithError(err).Debug("job changed state before it could be dispatched")
		return false
	} else if err != nil {
		logger.WithError(err).Warn("error dispatching job")
		o.mDispatchErrors.Inc()
		return false
	}
	if ok {
		o.mJobsDispatched.Inc()
	}
	return ok
}

// currentLoad returns the number of in-flight jobs on each host,
// across all job services.
func (o *Orchestrator) currentLoad(ctx context.Context) (jobworker.Load, error) {
	load := jobworker.Load{}
	for _, queue := range o.queues {
		inFlight, err := queue.Query(ctx, jobs.InFlightStatuses...)
		if err != nil {
			return nil, err
		}
		for _, job := range inFlight {
			if job.HostID != "" {
				load[job.HostID]++
			}
		}
	}
	return load, nil
}

// worker returns the job worker responsible for job, or nil.
func (o *Orchestrator) worker(queue jobs.JobService, job jobs.Job) *jobworker.Worker {
	return o.byKey[workerKey{queue, job.Group()}]
}
