// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobworker dispatches jobs for one host group.
package jobworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/sirupsen/logrus"
)

// Load maps host IDs to the number of jobs in flight on each host.
type Load map[string]int

// A Worker owns dispatch for one host group. It picks an eligible
// host for each job and hands the job to its RemoteWorker.
type Worker struct {
	id     string
	remote remoteworker.RemoteWorker
	tasks  jobs.TaskService
	queue  jobs.JobService
	hosts  jobs.HostService
	logger logrus.FieldLogger
}

// New returns a Worker for the host group named id.
func New(id string, remote remoteworker.RemoteWorker, tasks jobs.TaskService, queue jobs.JobService, hosts jobs.HostService, logger logrus.FieldLogger) (*Worker, error) {
	switch {
	case id == "":
		return nil, jobs.InvalidArgument("id", "must not be empty")
	case remote == nil:
		return nil, jobs.NilArgument("remoteWorker")
	case tasks == nil:
		return nil, jobs.NilArgument("taskService")
	case queue == nil:
		return nil, jobs.NilArgument("jobService")
	case hosts == nil:
		return nil, jobs.NilArgument("hostService")
	case logger == nil:
		return nil, jobs.NilArgument("logger")
	}
	return &Worker{
		id:     id,
		remote: remote,
		tasks:  tasks,
		queue:  queue,
		hosts:  hosts,
		logger: logger.WithField("HostGroup", id),
	}, nil
}

// ID returns the name of the host group this worker dispatches to.
func (w *Worker) ID() string { return w.id }

func (w *Worker) JobService() jobs.JobService { return w.queue }

func (w *Worker) RemoteWorker() remoteworker.RemoteWorker { return w.remote }

func (w *Worker) HostService() jobs.HostService { return w.hosts }

// SelectHost returns the connected member of the worker's group with
// the lowest Priority value among those below their
// RunningJobsLimit. Ties go to the host that joined first. Hosts in
// skip are not considered.
func (w *Worker) SelectHost(load Load, skip map[string]bool) (jobs.Host, bool) {
	var best jobs.Host
	found := false
	for _, host := range w.hosts.GetGroupMembers(w.id) {
		if skip[host.ID] || load[host.ID] >= host.RunningJobsLimit {
			continue
		}
		if !found || host.Priority < best.Priority {
			best, found = host, true
		}
	}
	return best, found
}

// Dispatch tries to start job on an eligible host. It returns false
// with a nil error if no host is eligible right now.
//
// On success, job is Starting on the selected host and load has been
// updated. An unknown task or a task the RemoteWorker rejects moves
// the job to Error. Other errors (including losing a race with
// another transition) leave the job for the next attempt.
func (w *Worker) Dispatch(ctx context.Context, job jobs.Job, load Load, skip map[string]bool) (bool, error) {
	if job.Group() != w.id {
		return false, fmt.Errorf("job %s belongs to host group %q, not %q", job.ID, job.Group(), w.id)
	}
	logger := w.logger.WithFields(logrus.Fields{
		"JobID":  job.ID,
		"TaskID": job.TaskID,
	})
	host, ok := w.SelectHost(load, skip)
	if !ok {
		logger.Debug("no eligible host")
		return false, nil
	}
	task, err := w.tasks.Task(ctx, job.TaskID)
	if errors.Is(err, jobs.ErrTaskNotFound) {
		w.fail(ctx, logger, job, jobs.JobPending, err)
		return false, err
	} else if err != nil {
		return false, fmt.Errorf("resolve task %q: %w", job.TaskID, err)
	}

	now := time.Now()
	_, err = w.queue.Transition(ctx, job.ID, []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{
		Status:      jobs.StatusPtr(jobs.JobStarting),
		HostID:      jobs.StringPtr(host.ID),
		Message:     jobs.StringPtr(""),
		StartedAt:   jobs.TimePtr(now),
		HeartbeatAt: jobs.TimePtr(now),
	})
	if err != nil {
		return false, err
	}
	load[host.ID]++
	logger = logger.WithField("HostID", host.ID)

	err = w.remote.Execute(job.ID, task, job.Parameters, host.ID)
	if err != nil {
		w.fail(ctx, logger, job, jobs.JobStarting, err)
		load[host.ID]--
		return false, err
	}
	logger.Info("job dispatched")
	return true, nil
}

// fail moves job from status from to Error, recording cause.
func (w *Worker) fail(ctx context.Context, logger logrus.FieldLogger, job jobs.Job, from jobs.JobStatus, cause error) {
	_, err := w.queue.Transition(ctx, job.ID, []jobs.JobStatus{from}, jobs.JobUpdate{
		Status:     jobs.StatusPtr(jobs.JobError),
		Message:    jobs.StringPtr(cause.Error()),
		FinishedAt: jobs.TimePtr(time.Now()),
	})
	if err != nil {
		logger.WithError(err).Warn("could not record job error")
		return
	}
	logger.WithError(cause).Warn("job failed to dispatch")
}
