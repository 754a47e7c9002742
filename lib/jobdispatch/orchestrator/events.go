// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.jobdispatch.org/jobdispatch.git/lib/jobdispatch/remoteworker"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// startConsumers starts one goroutine per distinct remote worker to
// apply its events. Caller must have o.mtx.
func (o *Orchestrator) startConsumers() {
	for _, rw := range o.remotes {
		o.consumers.Add(1)
		go o.consume(rw.Events())
	}
}

func (o *Orchestrator) consume(events <-chan remoteworker.Event) {
	defer o.consumers.Done()
	for {
		select {
		case <-o.closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(ev)
		}
	}
}

// handleEvent applies a remote worker event to the job it
// describes. Events that don't fit the job's current state (e.g., a
// late report from a host the job has been taken away from) are
// logged and ignored.
func (o *Orchestrator) handleEvent(ev remoteworker.Event) {
	o.mEventsProcessed.WithLabelValues(string(ev.Kind)).Inc()
	ctx := ctxlog.Context(context.Background(), o.logger)
	logger := o.logger.WithFields(logrus.Fields{
		"JobID":  ev.JobID,
		"HostID": ev.HostID,
		"Event":  ev.Kind,
	})
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("Panic", r).Error("recovered from panic while handling event")
		}
	}()

	o.locks.Lock(ev.JobID)
	defer o.locks.Unlock(ev.JobID)
	queue, job, err := o.findJob(ctx, ev.JobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		logger.Debug("ignoring event for unknown job")
		return
	} else if err != nil {
		logger.WithError(err).Warn("error loading job for event")
		return
	}
	if ev.HostID != "" && job.HostID != "" && ev.HostID != job.HostID {
		logger.WithField("JobHostID", job.HostID).Info("ignoring event from a host the job is no longer assigned to")
		return
	}
	from, upd, ok := o.transitionFor(ev, job)
	if !ok {
		logger.WithField("Status", job.Status).Debug("ignoring event")
		return
	}
	updated, err := queue.Transition(ctx, job.ID, from, upd)
	if errors.Is(err, jobs.ErrStaleTransition) {
		logger.WithField("Status", updated.Status).Debug("ignoring event for job in this state")
		return
	} else if err != nil {
		logger.WithError(err).Warn("error applying event")
		return
	}
	if updated.Status != job.Status {
		logger.WithFields(logrus.Fields{
			"From": job.Status,
			"To":   updated.Status,
		}).Info("job state changed")
	}
}

// transitionFor returns the transition that applies ev to job.
func (o *Orchestrator) transitionFor(ev remoteworker.Event, job jobs.Job) ([]jobs.JobStatus, jobs.JobUpdate, bool) {
	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}
	switch ev.Kind {
	case remoteworker.Executing:
		return []jobs.JobStatus{jobs.JobStarting}, jobs.JobUpdate{
			Status:      jobs.StatusPtr(jobs.JobInProgress),
			HeartbeatAt: &now,
		}, true
	case remoteworker.Executed:
		status := ev.Status
		if !status.Final() {
			status = jobs.JobSuccess
		}
		upd := jobs.JobUpdate{
			Status:     &status,
			Message:    jobs.StringPtr(ev.Message),
			FinishedAt: &now,
		}
		if status == jobs.JobSuccess {
			upd.Progress = jobs.FloatPtr(1)
		}
		return jobs.InFlightStatuses, upd, true
	case remoteworker.ProgressChanged:
		return running, jobs.JobUpdate{
			Status:      jobs.StatusPtr(jobs.JobInProgress),
			Progress:    jobs.FloatPtr(ev.Progress),
			HeartbeatAt: &now,
		}, true
	case remoteworker.Heartbeat:
		return running, jobs.JobUpdate{HeartbeatAt: &now}, true
	case remoteworker.Cancelling:
		return running, jobs.JobUpdate{
			Status:      jobs.StatusPtr(jobs.JobCancelling),
			HeartbeatAt: &now,
		}, true
	case remoteworker.Cancelled:
		upd := jobs.JobUpdate{
			Status:     jobs.StatusPtr(jobs.JobCancelled),
			FinishedAt: &now,
		}
		if ev.Message != "" {
			upd.Message = jobs.StringPtr(ev.Message)
		}
		return []jobs.JobStatus{jobs.JobPending, jobs.JobStarting, jobs.JobInProgress, jobs.JobCancelling}, upd, true
	case remoteworker.Interrupted:
		if job.Retries < o.MaxRetries {
			return running, o.requeue(fmt.Sprintf("interrupted on host %s, requeued", job.HostID), job.Retries+1), true
		}
		return running, jobs.JobUpdate{
			Status:     jobs.StatusPtr(jobs.JobFailed),
			Message:    jobs.StringPtr(fmt.Sprintf("interrupted on host %s after %d retries", job.HostID, job.Retries)),
			FinishedAt: &now,
		}, true
	case remoteworker.HostNotAvailable:
		msg := "host not available"
		if ev.Message != "" {
			msg += ": " + ev.Message
		}
		switch job.Status {
		case jobs.JobStarting:
			if job.Retries < o.MaxRetries {
				return []jobs.JobStatus{jobs.JobStarting}, o.requeue(msg+", requeued", job.Retries+1), true
			}
			msg += fmt.Sprintf(" after %d retries", job.Retries)
			return []jobs.JobStatus{jobs.JobStarting}, jobs.JobUpdate{
				Status:     jobs.StatusPtr(jobs.JobFailed),
				Message:    &msg,
				FinishedAt: &now,
			}, true
		case jobs.JobInProgress:
			return []jobs.JobStatus{jobs.JobInProgress}, jobs.JobUpdate{
				Status:     jobs.StatusPtr(jobs.JobFailed),
				Message:    &msg,
				FinishedAt: &now,
			}, true
		case jobs.JobCancelling:
			return []jobs.JobStatus{jobs.JobCancelling}, jobs.JobUpdate{
				Status:     jobs.StatusPtr(jobs.JobCancelled),
				Message:    &msg,
				FinishedAt: &now,
			}, true
		}
	}
	return nil, jobs.JobUpdate{}, false
}

func (o *Orchestrator) requeue(msg string, retries int) jobs.JobUpdate {
	return jobs.JobUpdate{
		Status:   jobs.StatusPtr(jobs.JobPending),
		HostID:   jobs.StringPtr(""),
		Progress: jobs.FloatPtr(0),
		Message:  &msg,
		Retries:  &retries,
	}
}

// findJob returns the job with the given ID and the job service
// that holds it.
func (o *Orchestrator) findJob(ctx context.Context, id uuid.UUID) (jobs.JobService, jobs.Job, error) {
	for _, queue := range o.queues {
		job, ok, err := queue.Get(ctx, id)
		if err != nil {
			return nil, jobs.Job{}, err
		} else if ok {
			return queue, job, nil
		}
	}
	return nil, jobs.Job{}, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, id)
}
