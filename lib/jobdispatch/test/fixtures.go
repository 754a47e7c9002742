// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"fmt"
	"strconv"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// PendingJob returns a new pending job for the given task and host
// group.
func PendingJob(taskID, group string) jobs.Job {
	return jobs.Job{
		ID:          uuid.New(),
		TaskID:      taskID,
		HostGroup:   group,
		Status:      jobs.JobPending,
		RequestedAt: time.Now(),
	}
}

// PendingJobs returns n pending jobs for tasks "task0".."task{n-1}",
// with strictly increasing RequestedAt.
func PendingJobs(n int, group string) []jobs.Job {
	t0 := time.Now().Add(-time.Duration(n) * time.Second)
	var r []jobs.Job
	for i := 0; i < n; i++ {
		job := PendingJob(fmt.Sprintf("task%d", i), group)
		job.RequestedAt = t0.Add(time.Duration(i) * time.Second)
		r = append(r, job)
	}
	return r
}

// HostClaims returns the claims a host in the given group, with the
// given priority and limit, would present when connecting.
func HostClaims(group string, priority, limit int) map[string]string {
	return map[string]string{
		jobs.ClaimHostGroup:        group,
		jobs.ClaimPriority:         strconv.Itoa(priority),
		jobs.ClaimRunningJobsLimit: strconv.Itoa(limit),
	}
}
