// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"sort"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/ctxlog"
	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
)

const (
	ScalarJobsInProgress = "Jobs In Progress"
	ScalarRunningJobs    = "Running Jobs"
)

// A scalarDeleter is a ScalarService that can also forget a scalar.
// Per-host scalars are deleted after their host disconnects if the
// service supports it.
type scalarDeleter interface {
	Delete(name string)
}

// publishScalars publishes, for each host group with a job service,
// the number of in-flight jobs in the group as
// {scope}/{group}/Jobs In Progress, and the number of in-flight
// jobs on each connected host as {scope}/{group}/{host}/Running
// Jobs.
func (o *Orchestrator) publishScalars() {
	ctx := ctxlog.Context(context.Background(), o.logger)
	load, err := o.currentLoad(ctx)
	if err != nil {
		o.logger.WithError(err).Warn("cannot determine host load, skipping scalars update")
		o.mTicksSkipped.WithLabelValues("scalars").Inc()
		return
	}
	var groups []string
	for group := range o.groupQueues {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	published := map[string]bool{}
	for _, group := range groups {
		for _, w := range o.workers {
			if w.ID() != group {
				continue
			}
			for _, host := range w.HostService().GetGroupMembers(group) {
				name := jobs.ScalarName(o.ScalarScope, group, host.ID, ScalarRunningJobs)
				o.setScalar(name, load[host.ID])
				published[name] = true
			}
		}
		js, err := o.groupQueues[group].Query(ctx, jobs.InFlightStatuses...)
		if err != nil {
			o.logger.WithError(err).WithField("HostGroup", group).Warn("error querying in-flight jobs")
			continue
		}
		n := 0
		for _, job := range js {
			if job.Group() == group {
				n++
			}
		}
		o.setScalar(jobs.ScalarName(o.ScalarScope, group, ScalarJobsInProgress), n)
	}
	o.forgetHostScalars(published)
}

// forgetHostScalars deletes the per-host scalars published by an
// earlier tick whose host is no longer connected. Only the scalars
// goroutine calls it.
func (o *Orchestrator) forgetHostScalars(published map[string]bool) {
	if del, ok := o.scalars.(scalarDeleter); ok {
		for name := range o.hostScalars {
			if !published[name] {
				del.Delete(name)
				o.logger.WithField("Scalar", name).Debug("deleted scalar for disconnected host")
			}
		}
	}
	o.hostScalars = published
}

func (o *Orchestrator) setScalar(name string, value int) {
	if !o.scalars.TrySetDataOrAdd(jobs.Scalar{Name: name, Value: float64(value)}) {
		o.logger.WithField("Scalar", name).Warn("scalar service rejected update")
	}
}
