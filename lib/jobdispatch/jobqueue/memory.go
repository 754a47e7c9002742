// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package jobqueue provides jobs.JobService implementations.
package jobqueue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
)

// Memory is a JobService that keeps jobs in memory. The zero value
// is ready to use.
type Memory struct {
	mtx  sync.Mutex
	jobs map[uuid.UUID]jobs.Job
}

// Query returns copies of the matching jobs, highest Priority first,
// then oldest RequestedAt first.
func (q *Memory) Query(ctx context.Context, statuses ...jobs.JobStatus) ([]jobs.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	var r []jobs.Job
	for _, job := range q.jobs {
		if len(statuses) == 0 || statusIn(job.Status, statuses) {
			r = append(r, copyJob(job))
		}
	}
	sortJobs(r)
	return r, nil
}

// Add stores a new job. A zero ID is replaced with a random one, an
// empty Status with Pending, and a zero RequestedAt with the current
// time.
func (q *Memory) Add(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.jobs == nil {
		q.jobs = map[uuid.UUID]jobs.Job{}
	}
	fillDefaults(&job)
	if _, exists := q.jobs[job.ID]; exists {
		return jobs.Job{}, fmt.Errorf("job %s already exists", job.ID)
	}
	job.Version = 1
	q.jobs[job.ID] = copyJob(job)
	return job, nil
}

func (q *Memory) Get(ctx context.Context, id uuid.UUID) (jobs.Job, bool, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.jobs[id]
	return copyJob(job), ok, nil
}

func (q *Memory) Update(ctx context.Context, job jobs.Job) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	old, ok := q.jobs[job.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", job.ID, jobs.ErrJobNotFound)
	}
	job.Version = old.Version + 1
	q.jobs[job.ID] = copyJob(job)
	return nil
}

func (q *Memory) Transition(ctx context.Context, id uuid.UUID, from []jobs.JobStatus, upd jobs.JobUpdate) (jobs.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("transition %s: %w", id, jobs.ErrJobNotFound)
	}
	if !statusIn(job.Status, from) {
		return copyJob(job), fmt.Errorf("transition %s from %s: %w", id, job.Status, jobs.ErrStaleTransition)
	}
	upd.Apply(&job)
	job.Version++
	q.jobs[id] = job
	return copyJob(job), nil
}

// Len returns the number of stored jobs.
func (q *Memory) Len() int {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return len(q.jobs)
}

func fillDefaults(job *jobs.Job) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = jobs.JobPending
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now()
	}
}

func statusIn(s jobs.JobStatus, list []jobs.JobStatus) bool {
	for _, x := range list {
		if s == x {
			return true
		}
	}
	return false
}

func sortJobs(js []jobs.Job) {
	sort.Slice(js, func(i, j int) bool {
		if js[i].Priority != js[j].Priority {
			return js[i].Priority > js[j].Priority
		}
		if !js[i].RequestedAt.Equal(js[j].RequestedAt) {
			return js[i].RequestedAt.Before(js[j].RequestedAt)
		}
		return js[i].ID.String() < js[j].ID.String()
	})
}

// copyJob returns a copy of job that doesn't share its Parameters
// map.
func copyJob(job jobs.Job) jobs.Job {
	if job.Parameters != nil {
		params := make(map[string]string, len(job.Parameters))
		for k, v := range job.Parameters {
			params[k] = v
		}
		job.Parameters = params
	}
	return job
}
