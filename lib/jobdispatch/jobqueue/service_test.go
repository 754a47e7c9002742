// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package jobqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.jobdispatch.org/jobdispatch.git/sdk/go/jobs"
	"github.com/google/uuid"
	check "gopkg.in/check.v1"
)

var (
	_ jobs.JobService = (*Memory)(nil)
	_ jobs.JobService = (*Postgres)(nil)
)

// serviceSuite checks behavior every JobService implementation must
// have. Embedded in MemorySuite and PostgresSuite.
type serviceSuite struct {
	ctx     context.Context
	service jobs.JobService
}

func (s *serviceSuite) TestAddDefaults(c *check.C) {
	job, err := s.service.Add(s.ctx, jobs.Job{TaskID: "t1"})
	c.Assert(err, check.IsNil)
	c.Check(job.ID, check.Not(check.Equals), uuid.Nil)
	c.Check(job.Status, check.Equals, jobs.JobPending)
	c.Check(job.RequestedAt.IsZero(), check.Equals, false)
	c.Check(job.Version, check.Equals, int64(1))

	got, ok, err := s.service.Get(s.ctx, job.ID)
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)
	c.Check(got.TaskID, check.Equals, "t1")
	c.Check(got.Status, check.Equals, jobs.JobPending)
}

func (s *serviceSuite) TestGetMissing(c *check.C) {
	_, ok, err := s.service.Get(s.ctx, uuid.New())
	c.Check(err, check.IsNil)
	c.Check(ok, check.Equals, false)
}

func (s *serviceSuite) TestQueryOrder(c *check.C) {
	t0 := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
	low, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "low", Priority: 1, RequestedAt: t0})
	highLate, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "high-late", Priority: 5, RequestedAt: t0.Add(time.Minute)})
	highEarly, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "high-early", Priority: 5, RequestedAt: t0})
	done, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "done", Status: jobs.JobSuccess, RequestedAt: t0})

	pending, err := s.service.Query(s.ctx, jobs.JobPending)
	c.Assert(err, check.IsNil)
	var ids []uuid.UUID
	for _, job := range pending {
		ids = append(ids, job.ID)
	}
	c.Check(ids, check.DeepEquals, []uuid.UUID{highEarly.ID, highLate.ID, low.ID})

	all, err := s.service.Query(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(all, check.HasLen, 4)

	final, err := s.service.Query(s.ctx, jobs.JobSuccess, jobs.JobFailed)
	c.Assert(err, check.IsNil)
	c.Assert(final, check.HasLen, 1)
	c.Check(final[0].ID, check.Equals, done.ID)
}

func (s *serviceSuite) TestParameters(c *check.C) {
	job, err := s.service.Add(s.ctx, jobs.Job{TaskID: "t", Parameters: map[string]string{"frame": "7"}})
	c.Assert(err, check.IsNil)
	got, _, err := s.service.Get(s.ctx, job.ID)
	c.Assert(err, check.IsNil)
	c.Check(got.Parameters, check.DeepEquals, map[string]string{"frame": "7"})

	// Modifying a returned job doesn't affect the stored job.
	got.Parameters["frame"] = "8"
	again, _, _ := s.service.Get(s.ctx, job.ID)
	c.Check(again.Parameters["frame"], check.Equals, "7")
}

func (s *serviceSuite) TestUpdate(c *check.C) {
	job, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "t"})
	job.Message = "edited"
	job.Tag = "x"
	c.Assert(s.service.Update(s.ctx, job), check.IsNil)
	got, _, _ := s.service.Get(s.ctx, job.ID)
	c.Check(got.Message, check.Equals, "edited")
	c.Check(got.Tag, check.Equals, "x")
	c.Check(got.Version, check.Equals, int64(2))

	err := s.service.Update(s.ctx, jobs.Job{ID: uuid.New()})
	c.Check(errors.Is(err, jobs.ErrJobNotFound), check.Equals, true)
}

func (s *serviceSuite) TestTransition(c *check.C) {
	job, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "t"})
	now := time.Now().Truncate(time.Millisecond)
	got, err := s.service.Transition(s.ctx, job.ID, []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{
		Status:      jobs.StatusPtr(jobs.JobStarting),
		HostID:      jobs.StringPtr("h1"),
		StartedAt:   jobs.TimePtr(now),
		HeartbeatAt: jobs.TimePtr(now),
	})
	c.Assert(err, check.IsNil)
	c.Check(got.Status, check.Equals, jobs.JobStarting)
	c.Check(got.HostID, check.Equals, "h1")
	c.Check(got.StartedAt.Equal(now), check.Equals, true)
	c.Check(got.TaskID, check.Equals, "t")
	c.Check(got.Version, check.Equals, job.Version+1)

	// A second Pending->Starting transition loses.
	got, err = s.service.Transition(s.ctx, job.ID, []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{
		Status: jobs.StatusPtr(jobs.JobStarting),
		HostID: jobs.StringPtr("h2"),
	})
	c.Check(errors.Is(err, jobs.ErrStaleTransition), check.Equals, true)
	c.Check(got.Status, check.Equals, jobs.JobStarting)
	c.Check(got.HostID, check.Equals, "h1")

	_, err = s.service.Transition(s.ctx, uuid.New(), []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{})
	c.Check(errors.Is(err, jobs.ErrJobNotFound), check.Equals, true)
}

func (s *serviceSuite) TestConcurrentTransitions(c *check.C) {
	job, _ := s.service.Add(s.ctx, jobs.Job{TaskID: "t"})
	var wg sync.WaitGroup
	var mtx sync.Mutex
	won := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Transition(s.ctx, job.ID, []jobs.JobStatus{jobs.JobPending}, jobs.JobUpdate{Status: jobs.StatusPtr(jobs.JobStarting)})
			if err == nil {
				mtx.Lock()
				won++
				mtx.Unlock()
			} else {
				c.Check(errors.Is(err, jobs.ErrStaleTransition), check.Equals, true)
			}
		}()
	}
	wg.Wait()
	c.Check(won, check.Equals, 1)
}
